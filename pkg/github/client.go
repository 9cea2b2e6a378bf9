// Package github is the search gateway for the GitHub repository search API.
// It builds the search query, classifies failures for the retry policy and
// records the upstream quota from every response.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/repo-scorer/pkg/model"
	"github.com/Sternrassler/repo-scorer/pkg/ratelimit"
)

// Prometheus metrics for search requests.
var (
	githubRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_github_requests_total",
		Help: "Total GitHub search requests by status",
	}, []string{"status"})

	githubRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scorer_github_request_duration_seconds",
		Help:    "GitHub search request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	githubErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_github_errors_total",
		Help: "Total GitHub search errors by kind",
	}, []string{"kind"})
)

const (
	searchPath   = "/search/repositories"
	dateLayout   = "2006-01-02"
	maxBodyBytes = 10 << 20
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, without trailing slash.
	BaseURL string

	// Token is sent as a bearer token when set. Authenticated search is
	// allowed 30 requests per minute, anonymous search 10.
	Token string

	// UserAgent header (required by GitHub)
	UserAgent string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns the public API configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.github.com",
		UserAgent: "repo-scorer/1.0",
		Timeout:   10 * time.Second,
	}
}

// Client fetches search pages from GitHub.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a new GitHub search client. tracker may be nil.
func New(cfg Config, tracker *ratelimit.Tracker, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: base,
		tracker: tracker,
		config:  cfg,
		logger:  logger.With().Str("component", "github-client").Logger(),
		now:     time.Now,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SearchQuery builds the q parameter for criteria.
func SearchQuery(criteria model.Criteria) string {
	return fmt.Sprintf("language:%s created:>%s", criteria.Category, criteria.CreatedAfter.Format(dateLayout))
}

// FetchPage fetches one 1-based page of repositories matching criteria,
// sorted by stars descending. An empty slice means the page had no items.
func (c *Client) FetchPage(ctx context.Context, criteria model.Criteria, page, pageSize int) ([]model.Record, error) {
	startTime := time.Now()
	defer func() {
		githubRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check the observed quota
	if c.tracker != nil {
		allowed, wait, err := c.tracker.ShouldAllowRequest(ctx, ratelimit.DefaultResource)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Quota check failed, sending request anyway")
		} else if !allowed {
			githubRequestsTotal.WithLabelValues("quota_exhausted").Inc()
			return nil, c.fail(&UpstreamError{
				Kind:           KindRateLimited,
				Message:        "search quota exhausted",
				RetryAfterHint: wait,
			})
		}
	}

	// Step 2: Build the request
	req, err := c.newSearchRequest(ctx, criteria, page, pageSize)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("page", page).
		Int("per_page", pageSize).
		Str("query", req.URL.Query().Get("q")).
		Msg("Executing search request")

	// Step 3: Execute
	resp, err := c.httpClient.Do(req)
	if err != nil {
		githubRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, c.fail(&UpstreamError{
			Kind:    KindNetwork,
			Message: "request failed",
			Err:     err,
		})
	}
	defer resp.Body.Close()

	githubRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	// Step 4: Record the quota
	if c.tracker != nil {
		if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update quota from headers")
		}
	}

	// Step 5: Classify failures
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp)
		return nil, c.fail(&UpstreamError{
			Kind:           kind,
			StatusCode:     resp.StatusCode,
			Message:        errorMessage(resp),
			RetryAfterHint: retryAfterHint(resp, kind, c.now()),
		})
	}

	// Step 6: Decode
	records, err := decodeSearchResponse(resp.Body)
	if err != nil {
		return nil, c.fail(&UpstreamError{
			Kind:       KindMalformed,
			StatusCode: resp.StatusCode,
			Message:    "decode search response",
			Err:        err,
		})
	}

	c.logger.Debug().
		Int("page", page).
		Int("items", len(records)).
		Dur("duration", time.Since(startTime)).
		Msg("Search page fetched")

	return records, nil
}

func (c *Client) newSearchRequest(ctx context.Context, criteria model.Criteria, page, pageSize int) (*http.Request, error) {
	u := c.baseURL.JoinPath(searchPath)

	q := url.Values{}
	q.Set("q", SearchQuery(criteria))
	q.Set("sort", "stars")
	q.Set("order", "desc")
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	return req, nil
}

func (c *Client) fail(err *UpstreamError) error {
	githubErrorsTotal.WithLabelValues(string(err.Kind)).Inc()

	level := zerolog.WarnLevel
	if !err.Retryable() {
		level = zerolog.ErrorLevel
	}
	c.logger.WithLevel(level).
		Err(err).
		Str("kind", string(err.Kind)).
		Int("status", err.StatusCode).
		Dur("retry_after", err.RetryAfterHint).
		Msg("GitHub search request error")

	return err
}

type searchResponse struct {
	TotalCount        int           `json:"total_count"`
	IncompleteResults bool          `json:"incomplete_results"`
	Items             *[]searchItem `json:"items"`
}

type searchItem struct {
	Name            string     `json:"name"`
	StargazersCount int        `json:"stargazers_count"`
	ForksCount      int        `json:"forks_count"`
	UpdatedAt       *time.Time `json:"updated_at"`
}

func decodeSearchResponse(body io.Reader) ([]model.Record, error) {
	var parsed searchResponse
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&parsed); err != nil {
		return nil, err
	}
	if parsed.Items == nil {
		return nil, errors.New("missing items")
	}

	records := make([]model.Record, 0, len(*parsed.Items))
	for _, item := range *parsed.Items {
		r := model.Record{
			Name:            item.Name,
			PopularityCount: item.StargazersCount,
			SecondaryCount:  item.ForksCount,
		}
		if item.UpdatedAt != nil {
			r.LastModified = item.UpdatedAt.UTC()
		}
		records = append(records, r)
	}
	return records, nil
}

// errorMessage extracts GitHub's {"message": ...} body, falling back to the
// status text.
func errorMessage(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Message != "" {
		return body.Message
	}
	return resp.Status
}
