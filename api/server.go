// Package api serves the volunteer signup HTTP endpoints over the data
// access functions and the verification clients.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/volunteerhub/signupdb"
	"github.com/volunteerhub/signupdb/verify"
	"github.com/volunteerhub/signupdb/volunteers"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// VolunteerStore is the subset of *volunteers.Store the handlers call.
type VolunteerStore interface {
	CreateCredentials(ctx context.Context, c volunteers.Credentials) (int64, bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	PhoneExists(ctx context.Context, phone string) (bool, error)
	UpdateProfile(ctx context.Context, id int64, p volunteers.Profile) (*volunteers.Volunteer, error)
	GetVolunteer(ctx context.Context, id int64) (*volunteers.Volunteer, error)
	MarkVerified(ctx context.Context, id int64, ch volunteers.Channel) (bool, error)
}

// Verifier is the subset of *verify.Client the handlers call.
type Verifier interface {
	CheckEmail(ctx context.Context, address string) (verify.Result, error)
	LookupPhone(ctx context.Context, number string) (verify.Result, error)
}

// HealthChecker runs the database health probe.
type HealthChecker interface {
	HealthProbe(ctx context.Context) (signupdb.Health, error)
}

// Recorder receives request and pool metrics.
type Recorder interface {
	RecordHTTPRequest(method, route string, status int, elapsed time.Duration)
	RecordPoolStats(s sql.DBStats)
}

type nopRecorder struct{}

func (nopRecorder) RecordHTTPRequest(string, string, int, time.Duration) {}
func (nopRecorder) RecordPoolStats(sql.DBStats)                          {}

// Option configures a Server.
type Option func(s *Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthTimeout bounds the health probe.
func WithHealthTimeout(d time.Duration) Option {
	return func(s *Server) { s.healthTimeout = d }
}

// Server routes requests to the handlers.
type Server struct {
	store    VolunteerStore
	verifier Verifier
	health   HealthChecker

	recorder      Recorder
	metrics       http.Handler
	healthTimeout time.Duration
	logger        *zap.Logger
	router        *httprouter.Router
}

// NewServer builds the router.
func NewServer(store VolunteerStore, verifier Verifier, health HealthChecker, opts ...Option) *Server {
	s := &Server{
		store:         store,
		verifier:      verifier,
		health:        health,
		recorder:      nopRecorder{},
		healthTimeout: 5 * time.Second,
		logger:        zap.NewNop(),
		router:        httprouter.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "api"))

	s.handle(http.MethodGet, "/api/exists", s.exists)
	s.handle(http.MethodPost, "/api/volunteers", s.createVolunteer)
	s.handle(http.MethodGet, "/api/volunteers/:id", s.getVolunteer)
	s.handle(http.MethodPut, "/api/volunteers/:id/profile", s.updateProfile)
	s.handle(http.MethodPost, "/api/volunteers/:id/verified/:channel", s.markVerified)
	s.handle(http.MethodPost, "/api/verify/email", s.verifyEmail)
	s.handle(http.MethodPost, "/api/verify/phone", s.verifyPhone)
	s.handle(http.MethodGet, "/healthz", s.healthz)
	if s.metrics != nil {
		s.router.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("handler panic", zap.Any("panic", v), zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, log *zap.Logger)

// handle registers h for route, tagging each request with an id and
// recording its status under the route pattern.
func (s *Server) handle(method, route string, h handlerFunc) {
	s.router.Handle(method, route, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		log := s.logger.With(zap.String("request_id", id), zap.String("route", route))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r, ps, log)

		elapsed := time.Since(start)
		s.recorder.RecordHTTPRequest(method, route, sw.status, elapsed)
		log.Debug("request", zap.String("method", method), zap.Int("status", sw.status), zap.Duration("elapsed", elapsed))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
