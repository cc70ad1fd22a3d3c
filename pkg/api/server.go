package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/escrowd/escrowd/pkg/auth"
	"github.com/escrowd/escrowd/pkg/config"
	"github.com/escrowd/escrowd/pkg/fsm"
	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/metrics"
	"github.com/escrowd/escrowd/pkg/model"
)

// Server is the HTTP/JSON API front end.
type Server struct {
	cfg      *config.Config
	model    *model.Model
	gateway  *fsm.Gateway
	verifier *auth.Verifier

	httpServer *http.Server
}

// NewServer wires the API over the model, gateway and verifier.
func NewServer(cfg *config.Config, m *model.Model, gw *fsm.Gateway, verifier *auth.Verifier) *Server {
	s := &Server{
		cfg:      cfg,
		model:    m,
		gateway:  gw,
		verifier: verifier,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the chi mux with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(headers(s.cfg.ServerName))
	r.Use(instrument)
	if s.cfg.RateLimitRPS > 0 {
		rl := newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)
		r.Use(rl.middleware)
	}

	r.Route("/pivtokens", func(r chi.Router) {
		r.Post("/", s.createPIVToken)
		r.Get("/", s.listPIVTokens)
		r.Route("/{guid}", func(r chi.Router) {
			r.Get("/", s.getPIVToken)
			r.Put("/", s.updatePIVToken)
			r.Delete("/", s.deletePIVToken)
			r.Get("/pin", s.getPin)
			r.Post("/replace", s.replacePIVToken)
			r.Route("/recovery-tokens", func(r chi.Router) {
				r.Get("/", s.listRecoveryTokens)
				r.Post("/", s.createRecoveryToken)
				r.Put("/", s.bulkUpdateRecoveryTokens)
				r.Get("/{uuid}", s.getRecoveryToken)
				r.Put("/{uuid}", s.updateRecoveryToken)
				r.Delete("/{uuid}", s.deleteRecoveryToken)
			})
		})
	})

	r.Route("/recovery-configurations", func(r chi.Router) {
		r.Get("/", s.listConfigs)
		r.Post("/", s.createConfig)
		r.Route("/{uuid}", func(r chi.Router) {
			r.Get("/", s.showConfig)
			r.Put("/", s.configAction)
			r.Delete("/", s.deleteConfig)
			r.Get("/recovery-tokens", s.configTokens)
		})
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())

	return r
}

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().
		Str("addr", s.cfg.ListenAddr).
		Msg("api server listening")
	metrics.RegisterComponent("api", true, "")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
