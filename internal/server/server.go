package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pseudotube/pseudotube/internal/auth"
	"github.com/pseudotube/pseudotube/internal/httputil"
	"github.com/pseudotube/pseudotube/internal/ratelimit"
	"github.com/pseudotube/pseudotube/internal/session"
	"github.com/pseudotube/pseudotube/internal/video"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Pinger          Pinger
	Videos          *video.Handler
	Auth            *auth.Authenticator
	Sessions        *session.Manager
	BaseURL         string
	StorageEndpoint string
}

type Server struct {
	router   chi.Router
	pinger   Pinger
	videos   *video.Handler
	auth     *auth.Authenticator
	sessions *session.Manager
	limiters []*ratelimit.Limiter
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.StorageEndpoint,
	}))

	s := &Server{
		router:   r,
		pinger:   cfg.Pinger,
		videos:   cfg.Videos,
		auth:     cfg.Auth,
		sessions: cfg.Sessions,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background eviction of every rate limiter.
func (s *Server) Close() {
	for _, l := range s.limiters {
		l.Stop()
	}
}

func (s *Server) newLimiter(rps float64, burst int) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(rps, burst)
	s.limiters = append(s.limiters, l)
	return l
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.videos == nil || s.auth == nil || s.sessions == nil {
		return
	}

	uploadLimiter := s.newLimiter(2, 10)
	pollLimiter := s.newLimiter(1, 1)
	webhookLimiter := s.newLimiter(50, 100)
	viewLimiter := s.newLimiter(5, 20)

	s.router.With(webhookLimiter.Middleware).Post("/transcoder/status", s.videos.JobWebhook)

	s.router.Group(func(r chi.Router) {
		r.Use(s.sessions.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(uploadLimiter.Middleware)
			r.Use(s.auth.Middleware)
			r.Get("/upload", s.videos.RequestUpload)
			r.Post("/upload", s.videos.ConfirmUpload)
			r.Delete("/video/{hash}", s.videos.Delete)
		})

		r.With(pollLimiter.MiddlewareBy(session.IDFromRequest)).Get("/transcoder/status", s.videos.PollStatus)
		r.With(viewLimiter.Middleware, s.auth.Optional).Post("/video/view/{ticket}", s.videos.RecordView)
		r.With(s.auth.Optional).Get("/watch/{hash}", s.videos.Watch)
		r.Get("/waitfor/{hash}", s.videos.WaitFor)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
