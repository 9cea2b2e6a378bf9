package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func quotaHeaders(limit, remaining int, resetIn time.Duration, resource string) http.Header {
	h := http.Header{}
	h.Set(HeaderLimit, strconv.Itoa(limit))
	h.Set(HeaderRemaining, strconv.Itoa(remaining))
	h.Set(HeaderReset, strconv.FormatInt(testNow.Add(resetIn).Unix(), 10))
	if resource != "" {
		h.Set(HeaderResource, resource)
	}
	return h
}

func newMiniredisTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracker := NewTracker(client, zerolog.Nop())
	tracker.now = func() time.Time { return testNow }
	return tracker, mr
}

func newMemoryTracker() *Tracker {
	tracker := NewTracker(nil, zerolog.Nop())
	tracker.now = func() time.Time { return testNow }
	return tracker
}

func trackers(t *testing.T) map[string]*Tracker {
	redisTracker, _ := newMiniredisTracker(t)
	return map[string]*Tracker{
		"redis":  redisTracker,
		"memory": newMemoryTracker(),
	}
}

func TestTracker_UpdateAndGetState(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := tracker.UpdateFromHeaders(ctx, quotaHeaders(30, 12, 40*time.Second, "search"))
			require.NoError(t, err)

			state, err := tracker.GetState(ctx, "search")
			require.NoError(t, err)

			assert.True(t, state.Known())
			assert.Equal(t, "search", state.Resource)
			assert.Equal(t, 30, state.Limit)
			assert.Equal(t, 12, state.Remaining)
			assert.Equal(t, testNow.Add(40*time.Second).Unix(), state.ResetAt.Unix())
			assert.Equal(t, 40*time.Second, state.TimeUntilReset(testNow))
		})
	}
}

func TestTracker_UnknownResourceIsAllowed(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			state, err := tracker.GetState(context.Background(), "search")
			require.NoError(t, err)
			assert.False(t, state.Known())

			allowed, wait, err := tracker.ShouldAllowRequest(context.Background(), "search")
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Zero(t, wait)
		})
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name        string
		remaining   int
		resetIn     time.Duration
		wantAllowed bool
		wantWait    time.Duration
	}{
		{name: "quota left", remaining: 5, resetIn: time.Minute, wantAllowed: true},
		{name: "exhausted", remaining: 0, resetIn: 20 * time.Second, wantAllowed: false, wantWait: 20 * time.Second},
		{name: "exhausted but reset passed", remaining: 0, resetIn: -time.Second, wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newMiniredisTracker(t)
			ctx := context.Background()

			require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(30, tt.remaining, tt.resetIn, "")))

			allowed, wait, err := tracker.ShouldAllowRequest(ctx, DefaultResource)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, allowed)
			assert.Equal(t, tt.wantWait, wait)
		})
	}
}

func TestTracker_StaleExhaustedQuotaIsIgnored(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(30, 0, 3*time.Hour, "search")))

			allowed, _, err := tracker.ShouldAllowRequest(ctx, "search")
			require.NoError(t, err)
			assert.False(t, allowed)

			tracker.now = func() time.Time { return testNow.Add(MaxStateAge + time.Minute) }

			allowed, wait, err := tracker.ShouldAllowRequest(ctx, "search")
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Zero(t, wait)
		})
	}
}

func TestTracker_ResourcesAreSeparate(t *testing.T) {
	tracker := newMemoryTracker()
	ctx := context.Background()

	require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(30, 0, time.Minute, "search")))
	require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(5000, 4999, time.Hour, "core")))

	allowed, _, err := tracker.ShouldAllowRequest(ctx, "search")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = tracker.ShouldAllowRequest(ctx, "core")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTracker_UpdateFromHeaders_Errors(t *testing.T) {
	tracker := newMemoryTracker()
	ctx := context.Background()

	// no quota headers at all
	assert.NoError(t, tracker.UpdateFromHeaders(ctx, http.Header{}))

	h := quotaHeaders(30, 10, time.Minute, "")
	h.Set(HeaderRemaining, "many")
	assert.Error(t, tracker.UpdateFromHeaders(ctx, h))

	h = quotaHeaders(30, 10, time.Minute, "")
	h.Del(HeaderReset)
	assert.Error(t, tracker.UpdateFromHeaders(ctx, h))

	h = quotaHeaders(30, 10, time.Minute, "")
	h.Set(HeaderLimit, "")
	assert.Error(t, tracker.UpdateFromHeaders(ctx, h))
}

func TestTracker_RedisKeysExpire(t *testing.T) {
	tracker, mr := newMiniredisTracker(t)

	require.NoError(t, tracker.UpdateFromHeaders(context.Background(), quotaHeaders(30, 3, time.Minute, "search")))

	key := redisKey("search", redisKeyRemaining)
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "3", got)
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestTracker_RedisUnavailable(t *testing.T) {
	tracker, mr := newMiniredisTracker(t)
	mr.Close()

	_, _, err := tracker.ShouldAllowRequest(context.Background(), "search")
	assert.Error(t, err)
}

func TestQuotaState_IsStale(t *testing.T) {
	state := &QuotaState{LastUpdate: testNow}

	assert.False(t, state.IsStale(time.Minute, testNow.Add(30*time.Second)))
	assert.True(t, state.IsStale(time.Minute, testNow.Add(2*time.Minute)))
}
