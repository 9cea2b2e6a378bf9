// Package server exposes the scorer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/repo-scorer/pkg/github"
	"github.com/Sternrassler/repo-scorer/pkg/metrics"
	"github.com/Sternrassler/repo-scorer/pkg/model"
	"github.com/Sternrassler/repo-scorer/pkg/resilience"
	"github.com/Sternrassler/repo-scorer/pkg/scorer"
)

// ScorePath serves fetch-and-score requests.
const ScorePath = "/scorer/api/repositories/score"

// Scorer runs one fetch-and-score request.
type Scorer interface {
	FetchAndScore(ctx context.Context, req scorer.Request) ([]model.ScoredRecord, error)
}

// Snapshotter reports the live policy state of an operation key, and false
// for keys it does not know.
type Snapshotter interface {
	Snapshot(key string) (resilience.Snapshot, bool)
}

// Server routes HTTP requests to the scorer.
type Server struct {
	scorer   Scorer
	policies Snapshotter
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Server. policies may be nil, which disables the policy
// endpoint.
func New(s Scorer, policies Snapshotter, logger zerolog.Logger) *Server {
	return &Server{
		scorer:   s,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get(ScorePath, s.handleScore)
	if s.policies != nil {
		r.Get("/scorer/api/policies/{key}", s.handlePolicy)
	}

	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := scorer.Request{
		CreatedAfter: q.Get("created_after"),
		Language:     q.Get("language"),
	}

	var err error
	if req.PageSize, err = optionalInt(q.Get("pageSize")); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: pageSize: %w", scorer.ErrInvalidRequest, err))
		return
	}
	if req.MaxPages, err = optionalInt(q.Get("maxPages")); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: maxPages: %w", scorer.ErrInvalidRequest, err))
		return
	}

	scored, err := s.scorer.FetchAndScore(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, scored)
}

type policyView struct {
	Key                         string  `json:"key"`
	State                       string  `json:"state"`
	BufferedCalls               int     `json:"bufferedCalls"`
	FailedCalls                 int     `json:"failedCalls"`
	FailureRate                 float64 `json:"failureRate"`
	AvailablePermits            float64 `json:"availablePermits"`
	SuccessfulCallsWithoutRetry int64   `json:"successfulCallsWithoutRetry"`
	SuccessfulCallsWithRetry    int64   `json:"successfulCallsWithRetry"`
	FailedCallsWithoutRetry     int64   `json:"failedCallsWithoutRetry"`
	FailedCallsWithRetry        int64   `json:"failedCallsWithRetry"`
	NotPermittedCalls           int64   `json:"notPermittedCalls"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	snap, ok := s.policies.Snapshot(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Message:   fmt.Sprintf("unknown policy %q", key),
			Error:     http.StatusText(http.StatusNotFound),
			Timestamp: s.now().UTC(),
			Status:    http.StatusNotFound,
		})
		return
	}

	writeJSON(w, http.StatusOK, policyView{
		Key:                         key,
		State:                       snap.State.String(),
		BufferedCalls:               snap.BufferedCalls,
		FailedCalls:                 snap.FailedCalls,
		FailureRate:                 snap.FailureRate,
		AvailablePermits:            snap.AvailablePermits,
		SuccessfulCallsWithoutRetry: snap.SuccessfulCallsWithoutRetry,
		SuccessfulCallsWithRetry:    snap.SuccessfulCallsWithRetry,
		FailedCallsWithoutRetry:     snap.FailedCallsWithoutRetry,
		FailedCallsWithRetry:        snap.FailedCallsWithRetry,
		NotPermittedCalls:           snap.NotPermittedCalls,
	})
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Message   string    `json:"message"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
}

// statusFor maps a scorer error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scorer.ErrInvalidRequest), errors.Is(err, model.ErrInvalidPagination):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrRetryExhausted),
		resilience.IsPolicyRejection(err),
		github.KindOf(err) != "":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away, nobody reads the response
		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request cancelled by client")
		return
	}

	status := statusFor(err)
	ev := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, errorResponse{
		Message:   err.Error(),
		Error:     http.StatusText(status),
		Timestamp: s.now().UTC(),
		Status:    status,
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func optionalInt(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("not an integer: %q", raw)
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
