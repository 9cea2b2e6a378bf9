// Package scoring computes a deterministic score for each fetched record and
// assembles the scored list in fetch order.
package scoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/repo-scorer/pkg/model"
)

// ErrInvalidRecord is returned for records that cannot be scored: a missing
// last modified timestamp or a negative count.
var ErrInvalidRecord = errors.New("invalid record")

// Strategy scores one record relative to a reference instant.
type Strategy interface {
	Score(r model.Record, ref time.Time) (float64, error)
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(r model.Record, ref time.Time) (float64, error)

// Score calls f.
func (f StrategyFunc) Score(r model.Record, ref time.Time) (float64, error) {
	return f(r, ref)
}

// Weighted is the linear scoring formula
//
//	score = stars*PopularityWeight + forks*SecondaryWeight + recency
//
// where recency is RecencyWindowDays minus the whole days since the record
// was last modified, clamped to [0, RecencyWindowDays].
type Weighted struct {
	PopularityWeight  float64
	SecondaryWeight   float64
	RecencyWindowDays int
}

// DefaultStrategy returns the weights 1.0 / 0.75 with a 30 day window.
func DefaultStrategy() Weighted {
	return Weighted{
		PopularityWeight:  1.0,
		SecondaryWeight:   0.75,
		RecencyWindowDays: 30,
	}
}

// Score implements Strategy.
func (w Weighted) Score(r model.Record, ref time.Time) (float64, error) {
	if r.LastModified.IsZero() {
		return 0, fmt.Errorf("%w: missing last modified time", ErrInvalidRecord)
	}
	if r.PopularityCount < 0 || r.SecondaryCount < 0 {
		return 0, fmt.Errorf("%w: negative count (stars=%d, forks=%d)", ErrInvalidRecord, r.PopularityCount, r.SecondaryCount)
	}

	days := int(ref.Sub(r.LastModified) / (24 * time.Hour))
	recency := min(max(w.RecencyWindowDays-days, 0), w.RecencyWindowDays)

	return float64(r.PopularityCount)*w.PopularityWeight +
		float64(r.SecondaryCount)*w.SecondaryWeight +
		float64(recency), nil
}
