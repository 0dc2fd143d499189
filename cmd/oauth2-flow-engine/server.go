package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/engine"
	"github.com/wrale/oauth2-flow-engine/internal/pkce"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

type server struct {
	cfg      Config
	router   *chi.Mux
	log      logrus.FieldLogger
	registry *engine.Registry
	pkce     *pkce.Manager
	redis    *redis.Client

	// newClient builds the authorization server client for a flow run,
	// via discovery unless explicit endpoints are given.
	newClient func(ctx context.Context, creds credentials.Credentials, endpoints *provider.Endpoints) (engine.ProviderClient, error)
}

func newServer(cfg Config, pkceManager *pkce.Manager, redisClient *redis.Client, log logrus.FieldLogger) *server {
	srv := &server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		log:      log,
		registry: engine.NewRegistry(),
		pkce:     pkceManager,
		redis:    redisClient,
	}
	srv.newClient = srv.dialProvider

	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Timeout(60 * time.Second))

	srv.routes()
	return srv
}

func (s *server) routes() {
	s.router.Get("/health", s.handleHealth())

	s.router.Route("/flows", func(r chi.Router) {
		r.Post("/", s.handleCreateFlow())

		r.Route("/{flowID}", func(r chi.Router) {
			r.Get("/", s.handleGetFlow())
			r.Delete("/", s.handleDeleteFlow())
			r.Post("/reset", s.handleResetFlow())

			r.Post("/steps/next", s.handleStepNext())
			r.Post("/steps/previous", s.handleStepPrevious())
			r.Put("/steps/current", s.handleStepGoTo())

			r.Post("/pkce", s.handleGeneratePKCE())
			r.Post("/authorization-url", s.handleBuildAuthorizationURL())
			r.Post("/callback", s.handleSubmitCallback())

			r.Post("/device/authorize", s.handleDeviceAuthorize())
			r.Post("/device/poll/start", s.handleStartPolling())
			r.Post("/device/poll/stop", s.handleStopPolling())

			r.Post("/credentials", s.handleEnterCredentials())
			r.Post("/exchange", s.handleExchangeCode())
			r.Post("/token", s.handleRequestToken())
			r.Post("/refresh", s.handleRefreshTokens())
			r.Post("/revoke", s.handleRevokeTokens())

			r.Post("/introspect", s.handleIntrospect())
			r.Get("/userinfo", s.handleUserInfo())
		})
	})
}

// dialProvider builds the client for one flow run. Explicit endpoints skip
// discovery; otherwise the issuer's metadata document is fetched.
func (s *server) dialProvider(ctx context.Context, creds credentials.Credentials, endpoints *provider.Endpoints) (engine.ProviderClient, error) {
	httpClient := &http.Client{Timeout: s.cfg.ProviderTimeout}
	if endpoints != nil {
		return provider.New(creds.Issuer, *endpoints, httpClient), nil
	}
	return provider.Discover(ctx, creds.Issuer, httpClient)
}

// stopAll stops active polling loops across all sessions.
func (s *server) stopAll() {
	s.registry.StopAll()
}

func (s *server) checkHealth(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// session resolves the flow ID from the URL, writing a 404 when unknown.
func (s *server) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	id := chi.URLParam(r, "flowID")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "flow_not_found", "no flow run with that ID")
		return nil, false
	}
	return sess, true
}
