// Package api is the HTTP boundary of the booking and tracking services.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"bus-journeys/internal/booking"
	"bus-journeys/internal/logging"
	"bus-journeys/internal/tracking"
)

type Config struct {
	RateLimitPerSec int // 0 disables rate limiting
	CORSOrigins     []string
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	bookings *booking.Coordinator
	tracker  *tracking.Tracker
	logger   *slog.Logger
	validate *validator.Validate
	checks   map[string]HealthCheck
	limiter  *rateLimiter
	handler  http.Handler
}

func NewServer(bookings *booking.Coordinator, tracker *tracking.Tracker, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		bookings: bookings,
		tracker:  tracker,
		logger:   logging.OrDefault(logger).With(slog.String("component", "http_server")),
		validate: validator.New(),
		checks:   make(map[string]HealthCheck),
	}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/assignments/:id/seats", s.seatMap)
	router.GET("/assignments/:id/fares", s.fareQuote)
	router.POST("/assignments/:id/bookings", s.book)
	router.POST("/assignments/:id/samples", s.submitSample)
	router.GET("/assignments/:id/progress", s.progress)
	router.GET("/tickets/:id", s.ticket)
	router.POST("/tickets/:id/cancel", s.cancel)
	router.POST("/tickets/:id/approve", s.approve)
	router.POST("/tickets/:id/complete", s.complete)
	router.GET("/tickets/:id/pass", s.boardingPass)
	router.POST("/tickets/:id/watch", s.watch)
	router.POST("/boarding", s.board)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, s.logger, http.StatusNotFound, "not_found", "resource not found")
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error("handler panic", slog.Any("panic", v), slog.String("path", r.URL.Path))
		writeProblem(w, s.logger, http.StatusInternalServerError, "internal", "internal server error")
	}

	var h http.Handler = router
	if cfg.RateLimitPerSec > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitPerSec, time.Second)
		h = s.limiter.middleware(h, s.logger)
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(h)
	s.handler = requestLogging(s.logger)(h)
	return s
}

// AddHealthCheck registers a dependency probed by /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background housekeeping.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.stop()
	}
}

// HTTPServer wraps s with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadTimeout:       7 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
}
