// Package server exposes the catalog over a read-only JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"tmlsync/internal/catalog"
	"tmlsync/internal/model"
	"tmlsync/internal/scrape"
)

// Live answers queries that go to the upstream through the read-path caches.
type Live interface {
	EntityByRef(ctx context.Context, ref string) (*model.Entity, error)
	AuthorByRef(ctx context.Context, ref string) (*model.AuthorInfo, error)
	ResolveEntityID(ctx context.Context, ref string) (uint64, error)
	ResolveAuthorID(ctx context.Context, ref string) (uint64, error)
	Count(ctx context.Context) (uint32, error)
	TTLs() catalog.LookupTTLs
}

// Reader answers queries from the committed catalog.
type Reader interface {
	ListEntities(ctx context.Context) ([]*model.Entity, error)
	EntityHistory(ctx context.Context, entityID uint64) ([]*model.HistoryRow, error)
	AuthorHistory(ctx context.Context, authorID uint64) ([]*model.HistoryRow, error)
	GlobalHistory(ctx context.Context) ([]*model.GlobalHistoryRow, error)
	ListAuthors(ctx context.Context) ([]*model.AuthorSummary, error)
}

// Ranks serves the legacy author statistics.
type Ranks interface {
	AuthorStats(ctx context.Context, steamID uint64) (*scrape.AuthorStats, error)
	TTL() time.Duration
}

// Options wires a Server. Ranks and Metrics are optional; their routes are
// not registered when nil.
type Options struct {
	Live    Live
	Store   Reader
	Ranks   Ranks
	Metrics http.Handler
	Logger  catalog.Logger
	Version string
}

// Server routes API requests.
type Server struct {
	live    Live
	store   Reader
	ranks   Ranks
	logger  catalog.Logger
	version string
	handler http.Handler
}

// New builds the route table.
func New(opts Options) *Server {
	s := &Server{
		live:    opts.Live,
		store:   opts.Store,
		ranks:   opts.Ranks,
		logger:  opts.Logger,
		version: opts.Version,
	}
	if s.logger == nil {
		s.logger = catalog.NewNopLogger()
	}
	if s.version == "" {
		s.version = "dev"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /1.4/count", s.handleCount)
	mux.HandleFunc("GET /1.4/mod/{ref}", s.handleMod)
	mux.HandleFunc("GET /1.4/author/{ref}", s.handleAuthor)
	mux.HandleFunc("GET /1.4/list", s.handleList)
	mux.HandleFunc("GET /1.4/list_authors", s.handleListAuthors)
	mux.HandleFunc("GET /1.4/history/mod/{ref}", s.handleModHistory)
	mux.HandleFunc("GET /1.4/history/author/{ref}", s.handleAuthorHistory)
	mux.HandleFunc("GET /1.4/history/global", s.handleGlobalHistory)
	if s.ranks != nil {
		mux.HandleFunc("GET /1.3/author/{steamid}", s.handleRanks)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.live.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setMaxAge(w, s.live.TTLs().Count)
	writeJSON(w, http.StatusOK, map[string]uint32{"total": n})
}

func (s *Server) handleMod(w http.ResponseWriter, r *http.Request) {
	e, err := s.live.EntityByRef(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setMaxAge(w, s.live.TTLs().Entity)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAuthor(w http.ResponseWriter, r *http.Request) {
	a, err := s.live.AuthorByRef(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setMaxAge(w, s.live.TTLs().Author)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entities))
}

func (s *Server) handleListAuthors(w http.ResponseWriter, r *http.Request) {
	authors, err := s.store.ListAuthors(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(authors))
}

func (s *Server) handleModHistory(w http.ResponseWriter, r *http.Request) {
	id, err := s.live.ResolveEntityID(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.store.EntityHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (s *Server) handleAuthorHistory(w http.ResponseWriter, r *http.Request) {
	id, err := s.live.ResolveAuthorID(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.store.AuthorHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (s *Server) handleGlobalHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GlobalHistory(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

func (s *Server) handleRanks(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("steamid"), 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %q", catalog.ErrInvalidSteamID, r.PathValue("steamid")))
		return
	}
	stats, err := s.ranks.AuthorStats(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setMaxAge(w, s.ranks.TTL())
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps catalog errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrInvalidSteamID):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func setMaxAge(w http.ResponseWriter, ttl time.Duration) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(ttl.Seconds())))
}

// nonNil makes empty results encode as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Truncate(time.Microsecond))
	})
}
