package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/repo-scorer/pkg/model"
	"github.com/Sternrassler/repo-scorer/pkg/resilience"
)

//go:generate go run go.uber.org/mock/mockgen -source=orchestrator.go -destination=../../internal/mocks/mock_gateway.go -package=mocks Gateway

// Gateway fetches one page of search results.
type Gateway interface {
	FetchPage(ctx context.Context, criteria model.Criteria, page, pageSize int) ([]model.Record, error)
}

// ErrInterrupted is returned in strict mode when the context ends before all
// pages were fetched.
var ErrInterrupted = errors.New("fetch interrupted")

// Mode selects how pages are requested.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
)

// Config holds orchestrator configuration
type Config struct {
	// Mode selects sequential early-stop or concurrent fan-out.
	Mode Mode

	// MaxConcurrency bounds in-flight page requests in concurrent mode.
	MaxConcurrency int

	// PageTimeout bounds one page including its retries. Zero disables it.
	PageTimeout time.Duration

	// Strict turns a cancelled fetch into ErrInterrupted instead of a
	// partial result.
	Strict bool

	// OperationKey names the resilience policy used for page requests.
	OperationKey string
}

// DefaultConfig returns the sequential configuration used by the service.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeSequential,
		MaxConcurrency: 5,
		PageTimeout:    15 * time.Second,
		Strict:         false,
		OperationKey:   "remoteSearch",
	}
}

// Result is the fetched pages in ascending page index.
type Result struct {
	Pages []model.Page

	// Partial is set when the context ended before every page was requested.
	Partial bool
}

// Records flattens the pages in page order, keeping upstream order within
// each page.
func (r Result) Records() []model.Record {
	n := 0
	for _, p := range r.Pages {
		n += len(p.Records)
	}
	out := make([]model.Record, 0, n)
	for _, p := range r.Pages {
		out = append(out, p.Records...)
	}
	return out
}

// Orchestrator requests the pages of a search through the resilience
// executor.
type Orchestrator struct {
	gateway  Gateway
	executor *resilience.Executor
	config   Config
	logger   zerolog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(gateway Gateway, executor *resilience.Executor, config Config, logger zerolog.Logger) (*Orchestrator, error) {
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	switch config.Mode {
	case "":
		config.Mode = ModeSequential
	case ModeSequential, ModeConcurrent:
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", config.Mode)
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.PageTimeout < 0 {
		return nil, fmt.Errorf("page timeout must be >= 0 (got %s)", config.PageTimeout)
	}
	if config.OperationKey == "" {
		config.OperationKey = "remoteSearch"
	}

	return &Orchestrator{
		gateway:  gateway,
		executor: executor,
		config:   config,
		logger:   logger,
	}, nil
}

// Fetch requests up to p.MaxPages pages for criteria.
func (o *Orchestrator) Fetch(ctx context.Context, criteria model.Criteria, p model.Pagination) (Result, error) {
	if p.PageSize < 1 || p.MaxPages < 1 {
		return Result{}, fmt.Errorf("%w: page size %d, max pages %d", model.ErrInvalidPagination, p.PageSize, p.MaxPages)
	}

	start := time.Now()
	o.logger.Info().
		Str("mode", string(o.config.Mode)).
		Str("category", criteria.Category).
		Int("page_size", p.PageSize).
		Int("max_pages", p.MaxPages).
		Msg("Starting page fetch")

	var (
		result Result
		err    error
	)
	if o.config.Mode == ModeConcurrent {
		result, err = o.fetchConcurrent(ctx, criteria, p)
	} else {
		result, err = o.fetchSequential(ctx, criteria, p)
	}

	fetchDurationSeconds.WithLabelValues(string(o.config.Mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}

	o.logger.Info().
		Str("mode", string(o.config.Mode)).
		Int("pages", len(result.Pages)).
		Bool("partial", result.Partial).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return result, nil
}

func (o *Orchestrator) fetchSequential(ctx context.Context, criteria model.Criteria, p model.Pagination) (Result, error) {
	var result Result

	for page := 1; page <= p.MaxPages; page++ {
		if ctx.Err() != nil {
			return o.interrupted(ctx, result, p.MaxPages)
		}

		records, err := resilience.Call(ctx, o.executor, o.config.OperationKey, o.fetchPage(criteria, page, p.PageSize))
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupted(ctx, result, p.MaxPages)
			}
			if resilience.IsPolicyRejection(err) {
				o.logger.Warn().
					Err(err).
					Int("page", page).
					Str("reason", resilience.Reason(err)).
					Msg("Page request rejected, stopping early")
				result.Pages = append(result.Pages, o.page(page, nil, model.OutcomeFailed))
				break
			}
			return Result{}, fmt.Errorf("fetch page %d: %w", page, err)
		}

		if len(records) == 0 {
			result.Pages = append(result.Pages, o.page(page, nil, model.OutcomeEmpty))
			break
		}
		result.Pages = append(result.Pages, o.page(page, records, model.OutcomeOK))
	}

	return result, nil
}

func (o *Orchestrator) fetchConcurrent(ctx context.Context, criteria model.Criteria, p model.Pagination) (Result, error) {
	slots := make([]model.Page, p.MaxPages)
	fetched := make([]bool, p.MaxPages)

	var g errgroup.Group
	g.SetLimit(o.config.MaxConcurrency)

	for i := range slots {
		if ctx.Err() != nil {
			break
		}
		page := i + 1

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			var cause error
			records := resilience.Execute(ctx, o.executor, o.config.OperationKey, o.fetchPage(criteria, page, p.PageSize),
				func(err error) []model.Record {
					cause = err
					return nil
				})

			switch {
			case cause != nil && ctx.Err() != nil:
				// abandoned by cancellation, not a page outcome
				return nil
			case cause != nil:
				o.logger.Warn().
					Err(cause).
					Int("page", page).
					Msg("Page fetch failed")
				slots[i] = o.page(page, nil, model.OutcomeFailed)
			case len(records) == 0:
				slots[i] = o.page(page, nil, model.OutcomeEmpty)
			default:
				slots[i] = o.page(page, records, model.OutcomeOK)
			}
			fetched[i] = true
			return nil
		})
	}

	_ = g.Wait() // workers never return errors

	var result Result
	for i := range slots {
		if fetched[i] {
			result.Pages = append(result.Pages, slots[i])
		}
	}

	if ctx.Err() != nil && len(result.Pages) < p.MaxPages {
		return o.interrupted(ctx, result, p.MaxPages)
	}
	return result, nil
}

func (o *Orchestrator) fetchPage(criteria model.Criteria, page, pageSize int) func(context.Context) ([]model.Record, error) {
	return func(ctx context.Context) ([]model.Record, error) {
		if o.config.PageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.config.PageTimeout)
			defer cancel()
		}
		return o.gateway.FetchPage(ctx, criteria, page, pageSize)
	}
}

func (o *Orchestrator) page(index int, records []model.Record, outcome model.Outcome) model.Page {
	pagesTotal.WithLabelValues(string(o.config.Mode), string(outcome)).Inc()
	return model.Page{Index: index, Records: records, Outcome: outcome}
}

func (o *Orchestrator) interrupted(ctx context.Context, result Result, maxPages int) (Result, error) {
	o.logger.Warn().
		Err(ctx.Err()).
		Int("fetched_pages", len(result.Pages)).
		Int("max_pages", maxPages).
		Bool("strict", o.config.Strict).
		Msg("Fetch interrupted")

	if o.config.Strict {
		return Result{}, fmt.Errorf("%w after %d/%d pages: %w", ErrInterrupted, len(result.Pages), maxPages, context.Cause(ctx))
	}
	result.Partial = true
	return result, nil
}
