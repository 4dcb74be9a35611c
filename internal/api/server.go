package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-pipeline/internal/discovery"
	"github.com/JakeFAU/discovery-pipeline/internal/extract"
	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/metrics"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	"github.com/JakeFAU/discovery-pipeline/internal/retention"
	"github.com/JakeFAU/discovery-pipeline/internal/scraper"
	"github.com/JakeFAU/discovery-pipeline/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Discoverer runs discovery invocations.
type Discoverer interface {
	Methods() []pipeline.DiscoveryMethod
	Run(ctx context.Context, method pipeline.DiscoveryMethod, req discovery.Request) (pipeline.RunRecord, error)
}

// Scraper runs scrape invocations.
type Scraper interface {
	Run(ctx context.Context, req scraper.Request) (scraper.Summary, error)
}

// Extractor runs extraction invocations.
type Extractor interface {
	Run(ctx context.Context, req extract.Request) (extract.Summary, error)
}

// Cleaner runs cleanup invocations.
type Cleaner interface {
	Run(ctx context.Context, req retention.Request) (retention.Summary, error)
}

// RunReader looks up run records.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (pipeline.RunRecord, error)
}

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

// Services are the invocation units served over HTTP.
type Services struct {
	Discovery Discoverer
	Scraper   Scraper
	Extractor Extractor
	Cleaner   Cleaner
	Jobs      pipeline.JobEnqueuer
	Runs      RunReader
	Checks    map[string]Check
}

// Server wires HTTP handlers to the invocation units.
type Server struct {
	router chi.Router
	svc    Services
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. requestTimeout
// bounds each request; zero disables the bound.
func NewServer(svc Services, requestTimeout time.Duration, logger *zap.Logger) *Server {
	s := &Server{svc: svc, logger: logging.OrNop(logger).Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	if requestTimeout > 0 {
		r.Use(timeoutMiddleware(requestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/discovery/{method}", s.discover)
		r.Post("/scrape", s.scrape)
		r.Post("/extract", s.extract)
		r.Post("/cleanup", s.cleanup)
		r.Post("/jobs", s.enqueueJob)
		r.Get("/runs/{run_id}", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.svc.Checks))
	for name := range s.svc.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.svc.Checks[name](r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	body := map[string]any{"status": "ready", "checks": results}
	if status != http.StatusOK {
		body["status"] = "not ready"
	}
	writeJSON(w, status, body, s.logger)
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	if s.svc.Discovery == nil {
		s.unavailable(w, "discovery")
		return
	}
	method, err := pipeline.ParseDiscoveryMethod(chi.URLParam(r, "method"))
	if err != nil {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(err))
		return
	}
	if !slices.Contains(s.svc.Discovery.Methods(), method) {
		s.respond(w, http.StatusNotFound, pipeline.Failure(fmt.Errorf("discovery method %q is not configured", method)))
		return
	}
	var req discovery.Request
	if err := decodeOptional(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(err))
		return
	}
	run, err := s.svc.Discovery.Run(r.Context(), method, req)
	if err != nil {
		resp := pipeline.Failure(err)
		resp.RunID = run.ID
		s.respond(w, http.StatusInternalServerError, resp)
		return
	}
	s.respond(w, http.StatusOK, pipeline.OK(run.ID, run))
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scraper == nil {
		s.unavailable(w, "scrape")
		return
	}
	var req scraper.Request
	if err := decodeOptional(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(err))
		return
	}
	summary, err := s.svc.Scraper.Run(r.Context(), req)
	s.respondSummary(w, summary, err)
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	if s.svc.Extractor == nil {
		s.unavailable(w, "extract")
		return
	}
	var req extract.Request
	if err := decodeOptional(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(err))
		return
	}
	summary, err := s.svc.Extractor.Run(r.Context(), req)
	s.respondSummary(w, summary, err)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	if s.svc.Cleaner == nil {
		s.unavailable(w, "cleanup")
		return
	}
	var req retention.Request
	if err := decodeOptional(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(err))
		return
	}
	if req.HoursToKeep < 0 {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(errors.New("hours_to_keep must be positive")))
		return
	}
	summary, err := s.svc.Cleaner.Run(r.Context(), req)
	s.respondSummary(w, summary, err)
}

type enqueueRequest struct {
	JobType  string          `json:"job_type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	if s.svc.Jobs == nil {
		s.unavailable(w, "jobs")
		return
	}
	var req enqueueRequest
	if err := decodeOptional(r, &req); err != nil {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(err))
		return
	}
	if req.JobType == "" {
		s.respond(w, http.StatusBadRequest, pipeline.Failure(errors.New("job_type required")))
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	id, err := s.svc.Jobs.Enqueue(r.Context(), req.JobType, payload, req.Priority)
	if err != nil {
		s.respond(w, http.StatusInternalServerError, pipeline.Failure(err))
		return
	}
	s.respond(w, http.StatusAccepted, pipeline.OK("", map[string]string{"job_id": id}))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Runs == nil {
		s.unavailable(w, "runs")
		return
	}
	run, err := s.svc.Runs.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found", s.logger)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
	default:
		writeJSON(w, http.StatusOK, run, s.logger)
	}
}

func (s *Server) respondSummary(w http.ResponseWriter, summary any, err error) {
	if err != nil {
		s.respond(w, http.StatusInternalServerError, pipeline.Failure(err))
		return
	}
	s.respond(w, http.StatusOK, pipeline.OK("", summary))
}

func (s *Server) respond(w http.ResponseWriter, status int, resp pipeline.Response) {
	writeJSON(w, status, resp, s.logger)
}

func (s *Server) unavailable(w http.ResponseWriter, unit string) {
	s.respond(w, http.StatusServiceUnavailable, pipeline.Failure(fmt.Errorf("%s is not configured", unit)))
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst zero.
func decodeOptional(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		fields := append([]zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		}, telemetry.TraceFields(r.Context())...)
		s.logger.Info("request completed", fields...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
