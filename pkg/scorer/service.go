// Package scorer ties fetching and scoring together: it validates a request,
// fetches the matching records page by page and returns them scored in
// fetch order.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/repo-scorer/pkg/model"
	"github.com/Sternrassler/repo-scorer/pkg/pagination"
)

// ErrInvalidRequest is returned for requests with a malformed date or an
// empty language.
var ErrInvalidRequest = errors.New("invalid request")

// DateLayout is the accepted format of Request.CreatedAfter.
const DateLayout = "2006-01-02"

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scorer_runs_total",
	Help: "Total fetch-and-score runs by result",
}, []string{"result"})

// Request is one fetch-and-score call as received from a caller.
type Request struct {
	// CreatedAfter is a YYYY-MM-DD date.
	CreatedAfter string

	// Language is the language qualifier.
	Language string

	// PageSize and MaxPages optionally tighten the configured ceiling.
	PageSize *int
	MaxPages *int
}

// Criteria validates the request and returns its search criteria.
func (r Request) Criteria() (model.Criteria, error) {
	created, err := time.Parse(DateLayout, strings.TrimSpace(r.CreatedAfter))
	if err != nil {
		return model.Criteria{}, fmt.Errorf("%w: created_after must be YYYY-MM-DD (got %q)", ErrInvalidRequest, r.CreatedAfter)
	}

	language := strings.TrimSpace(r.Language)
	if language == "" {
		return model.Criteria{}, fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}

	return model.Criteria{CreatedAfter: created, Category: language}, nil
}

// Fetcher returns the pages of one search.
type Fetcher interface {
	Fetch(ctx context.Context, criteria model.Criteria, p model.Pagination) (pagination.Result, error)
}

// Assembler scores fetched records.
type Assembler interface {
	Assemble(ctx context.Context, records []model.Record, ref time.Time) ([]model.ScoredRecord, error)
}

// Service runs fetch-and-score requests.
type Service struct {
	fetcher   Fetcher
	assembler Assembler
	ceiling   model.Ceiling
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the source of the scoring reference instant.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service.
func NewService(fetcher Fetcher, assembler Assembler, ceiling model.Ceiling, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		fetcher:   fetcher,
		assembler: assembler,
		ceiling:   ceiling,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchAndScore fetches the records matching req and returns them scored, in
// fetch order. For a fixed clock and fixed upstream data the output is
// identical across calls.
func (s *Service) FetchAndScore(ctx context.Context, req Request) ([]model.ScoredRecord, error) {
	criteria, err := req.Criteria()
	if err != nil {
		runsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	p, err := s.ceiling.WithOverrides(req.PageSize, req.MaxPages)
	if err != nil {
		runsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	logger := s.logger.With().
		Str("run_id", uuid.NewString()).
		Str("language", criteria.Category).
		Str("created_after", criteria.CreatedAfter.Format(DateLayout)).
		Logger()

	ref := s.now()
	start := time.Now()

	logger.Info().
		Int("page_size", p.PageSize).
		Int("max_pages", p.MaxPages).
		Msg("Starting fetch and score")

	result, err := s.fetcher.Fetch(ctx, criteria, p)
	if err != nil {
		runsTotal.WithLabelValues("fetch_failed").Inc()
		logger.Warn().Err(err).Msg("Fetch failed")
		return nil, err
	}

	scored, err := s.assembler.Assemble(ctx, result.Records(), ref)
	if err != nil {
		runsTotal.WithLabelValues("score_failed").Inc()
		logger.Error().Err(err).Msg("Scoring failed")
		return nil, err
	}

	outcome := "ok"
	if result.Partial {
		outcome = "partial"
	}
	runsTotal.WithLabelValues(outcome).Inc()

	logger.Info().
		Int("pages", len(result.Pages)).
		Int("records", len(scored)).
		Bool("partial", result.Partial).
		Dur("duration", time.Since(start)).
		Msg("Fetch and score complete")

	return scored, nil
}
