package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eventdesk/apiserver/config"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/db"
	"github.com/eventdesk/apiserver/internal/handlers"
	"github.com/eventdesk/apiserver/internal/metrics"
	"github.com/eventdesk/apiserver/internal/mq"
	"github.com/eventdesk/apiserver/internal/services"
	"github.com/eventdesk/apiserver/internal/storage"
	"github.com/eventdesk/apiserver/internal/store"
	"github.com/eventdesk/apiserver/internal/store/memory"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     zerolog.Logger
	closers    []func() error
}

// New wires the configured backends into the router. The caller must call
// Shutdown to release them.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Server, error) {
	jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	s := &Server{logger: logger}

	var (
		userRepo  services.UserRepository
		eventRepo services.EventRepository
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		st := memory.New()
		userRepo, eventRepo = st.Users(), st.Events()
	case "", "postgres":
		dbConn, err := db.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.closers = append(s.closers, dbConn.Close)
		userRepo, eventRepo = store.NewUserRepository(dbConn), store.NewEventRepository(dbConn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	var objects services.ObjectStore
	objectStorage, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if objectStorage != nil {
		objects = objectStorage
		logger.Info().Str("backend", cfg.Storage.Backend).Str("bucket", objectStorage.Bucket()).Msg("image storage enabled")
	}

	var activity services.ActivityPublisher = services.NopActivityPublisher{}
	broker, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("init mq: %w", err)
	}
	if broker != nil {
		s.closers = append(s.closers, broker.Close)
		activity = services.NewBrokerActivityPublisher(broker, cfg.MQ.ActivityChannel, logger)
		logger.Info().Str("backend", cfg.MQ.Backend).Str("channel", cfg.MQ.ActivityChannel).Msg("activity stream enabled")
	}

	tokens := auth.NewTokenManager(jwtSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	userService := services.NewUserService(userRepo)
	eventService := services.NewEventService(eventRepo, objects, activity, logger)
	registration := services.NewRegistrationEngine(eventRepo, activity, logger)
	var imageService *services.ImageService
	if objects != nil {
		imageService = services.NewImageService(eventRepo, objects, logger)
	}

	var limiter *handlers.RateLimiter
	if cfg.Auth.RateLimit > 0 {
		limiter = handlers.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst)
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		handlers.RequestLogger(logger),
		middleware.Recoverer,
		metrics.HTTPMiddleware,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, userService, tokens, limiter)
	})
	router.Route("/events", func(r chi.Router) {
		handlers.EventRouter(r, eventService, registration, imageService, handlers.RequireAuth(tokens))
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.close())
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
