package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"securepad/cfg"
	"securepad/svc/access"
	"securepad/svc/db"
	"securepad/svc/lim"
	"securepad/svc/svc"
	"securepad/svc/util"
)

// pinger is a dependency the readiness probe checks.
type pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Pads     *svc.Pads
	Files    *svc.Files
	Verifier *access.Verifier
	Limiter  *lim.Limiter
	DB       *db.SQLite
	Redis    *db.Redis
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         pinger
	rdb        pinger
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, db: d.DB}
	if d.Redis != nil {
		s.rdb = d.Redis
	}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c)
	r.Use(mw.Recoverer)
	r.Use(mw.CORS)
	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	hdl := &Hdl{pads: d.Pads, files: d.Files, verifier: d.Verifier, cfg: c}
	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.Observe)
		hdl.mount(r, mw)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
