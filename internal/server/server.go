package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/userdir/apiserver/config"
	"github.com/userdir/apiserver/internal/avatar"
	"github.com/userdir/apiserver/internal/db"
	"github.com/userdir/apiserver/internal/events"
	"github.com/userdir/apiserver/internal/handlers"
	"github.com/userdir/apiserver/internal/services"
	"github.com/userdir/apiserver/internal/storage"
	"github.com/userdir/apiserver/internal/store"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	feed       *events.Publisher
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	jwtSecret := strings.TrimSpace(cfg.JWTSecret)
	if jwtSecret == "" {
		_ = dbConn.Close()
		return nil, errors.New("JWT_SECRET is required")
	}

	avatarStore, err := newAvatarStorage(ctx, cfg)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("init avatar storage: %w", err)
	}
	if err := avatarStore.EnsureBucket(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("prepare avatar storage: %w", err)
	}

	feed, err := newEventPublisher(ctx, cfg, log)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("init event publisher: %w", err)
	}

	userRepo := store.NewUserRepository(dbConn)
	avatars := avatar.NewProcessor(avatarStore)
	userService := services.NewUserService(userRepo, avatars, feed, log)

	authMiddleware := handlers.RequireAuth(jwtSecret)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, userService, jwtSecret)
	})
	router.Route("/users", func(r chi.Router) {
		handlers.UserRouter(r, userService, authMiddleware)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Int("port", port).Str("avatar_backend", cfg.Avatar.Backend).Msg("server configured")

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		feed:       feed,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	if s.feed != nil {
		_ = s.feed.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return s.httpServer.Close()
}

// newAvatarStorage builds the configured profile picture backend.
func newAvatarStorage(ctx context.Context, cfg config.Config) (*storage.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Avatar.Backend)) {
	case "", "file":
		backend, err := storage.NewFileBackend(cfg.Avatar.Dir)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(backend), nil
	case "minio":
		backend, err := storage.NewMinioBackend(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(backend), nil
	case "gcs":
		backend, err := storage.NewGCSBackend(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(backend), nil
	default:
		return nil, fmt.Errorf("unknown avatar backend %q", cfg.Avatar.Backend)
	}
}

// newEventPublisher builds the configured change feed publisher. An empty
// backend disables publishing.
func newEventPublisher(ctx context.Context, cfg config.Config, log zerolog.Logger) (*events.Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Events.Backend)) {
	case "":
		return events.NewPublisher(nil, cfg.Events.Channel, log), nil
	case "rabbitmq":
		backend, err := events.NewRabbitMQBackend(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return events.NewPublisher(backend, cfg.Events.Channel, log), nil
	case "pubsub":
		backend, err := events.NewPubSubBackend(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return events.NewPublisher(backend, cfg.Events.Channel, log), nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}
