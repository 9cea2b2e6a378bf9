// Package model defines the values that flow through the fetch and scoring
// pipeline: search criteria, pagination limits, fetched records, pages and
// scored results.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPagination is returned when a caller supplied page size or page
// count is below 1.
var ErrInvalidPagination = errors.New("invalid pagination")

// Criteria selects the records a search returns.
type Criteria struct {
	// CreatedAfter is the exclusive lower bound on creation date.
	CreatedAfter time.Time

	// Category is the language filter passed to the remote search.
	Category string
}

// Pagination holds the effective page size and page budget for one search.
type Pagination struct {
	PageSize int
	MaxPages int
}

// Ceiling holds the server advertised maxima. Caller supplied pagination is
// always clamped against it.
type Ceiling struct {
	// PageSize is the largest per_page the server honours.
	PageSize int

	// MaxPages is the configured page budget per search.
	MaxPages int

	// MaxResults is the number of results the server exposes per search.
	// Zero disables the check.
	MaxResults int
}

// DefaultCeiling returns the GitHub search limits: 100 results per page and
// 1000 results per search, spent over at most 10 pages.
func DefaultCeiling() Ceiling {
	return Ceiling{
		PageSize:   100,
		MaxPages:   10,
		MaxResults: 1000,
	}
}

// Default returns the ceiling itself as pagination, after clamping.
func (c Ceiling) Default() Pagination {
	return c.Clamp(Pagination{PageSize: c.PageSize, MaxPages: c.MaxPages})
}

// Clamp tightens p so that neither value exceeds the ceiling and the total
// number of requested results stays within MaxResults.
func (c Ceiling) Clamp(p Pagination) Pagination {
	p.PageSize = min(p.PageSize, c.PageSize)
	p.MaxPages = min(p.MaxPages, c.MaxPages)

	if c.MaxResults > 0 && p.PageSize > 0 && p.PageSize*p.MaxPages > c.MaxResults {
		p.MaxPages = c.MaxResults / p.PageSize
	}
	return p
}

// WithOverrides applies optional caller overrides. A nil override keeps the
// ceiling value. Overrides can only tighten the ceiling, never loosen it.
func (c Ceiling) WithOverrides(pageSize, maxPages *int) (Pagination, error) {
	p := Pagination{PageSize: c.PageSize, MaxPages: c.MaxPages}

	if pageSize != nil {
		if *pageSize < 1 {
			return Pagination{}, fmt.Errorf("%w: pageSize must be >= 1 (got %d)", ErrInvalidPagination, *pageSize)
		}
		p.PageSize = *pageSize
	}
	if maxPages != nil {
		if *maxPages < 1 {
			return Pagination{}, fmt.Errorf("%w: maxPages must be >= 1 (got %d)", ErrInvalidPagination, *maxPages)
		}
		p.MaxPages = *maxPages
	}

	return c.Clamp(p), nil
}

// Record is one search result as returned by the gateway. A zero
// LastModified means the upstream did not report it.
type Record struct {
	Name            string    `json:"name"`
	PopularityCount int       `json:"stars"`
	SecondaryCount  int       `json:"forks"`
	LastModified    time.Time `json:"lastUpdated"`
}

// ScoredRecord is a Record with its computed score.
type ScoredRecord struct {
	Name            string    `json:"name"`
	PopularityCount int       `json:"stars"`
	SecondaryCount  int       `json:"forks"`
	LastModified    time.Time `json:"lastUpdated"`
	Score           float64   `json:"score"`
}

// Outcome is the fetch result of a single page.
type Outcome string

const (
	// OutcomeOK means the page returned at least one record.
	OutcomeOK Outcome = "ok"

	// OutcomeEmpty means the page returned no records.
	OutcomeEmpty Outcome = "empty"

	// OutcomeFailed means the page could not be fetched and contributes nothing.
	OutcomeFailed Outcome = "failed"
)

// Page is the records of one 1-based page index in upstream order.
type Page struct {
	Index   int
	Records []Record
	Outcome Outcome
}
