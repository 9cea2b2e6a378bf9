package scoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/repo-scorer/pkg/model"
)

// Assembler scores records in parallel and keeps their input order.
type Assembler struct {
	strategy Strategy
	workers  int
	logger   zerolog.Logger
}

// NewAssembler creates an Assembler. workers <= 0 uses GOMAXPROCS.
func NewAssembler(strategy Strategy, workers int, logger zerolog.Logger) *Assembler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Assembler{
		strategy: strategy,
		workers:  workers,
		logger:   logger,
	}
}

// Assemble scores every record against ref. The output has the same length
// and order as records. The first record that cannot be scored fails the
// whole call.
func (a *Assembler) Assemble(ctx context.Context, records []model.Record, ref time.Time) ([]model.ScoredRecord, error) {
	start := time.Now()
	out := make([]model.ScoredRecord, len(records))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for i, r := range records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			score, err := a.strategy.Score(r, ref)
			if err != nil {
				return fmt.Errorf("record %d (%s): %w", i, r.Name, err)
			}

			out[i] = model.ScoredRecord{
				Name:            r.Name,
				PopularityCount: r.PopularityCount,
				SecondaryCount:  r.SecondaryCount,
				LastModified:    r.LastModified,
				Score:           score,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	recordsScoredTotal.Add(float64(len(out)))
	a.logger.Debug().
		Int("records", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Records scored")

	return out, nil
}
