package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"coteacher/internal/api"
	"coteacher/internal/config"
	"coteacher/internal/gateway"
	"coteacher/internal/history"
	"coteacher/internal/logger"
	"coteacher/internal/model"
	"coteacher/internal/roster"
	"coteacher/internal/stream"
	"coteacher/pkg/database"
)

// Application coordinates all system components with dependency injection.
// Initialization order: Store -> Model -> Roster -> Registry -> Stream
// Manager -> Gateway -> API -> HTTP.
type Application struct {
	config     *config.Config
	store      history.Store
	registry   *gateway.Registry
	manager    *stream.Manager
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication creates an application with all components initialized.
func NewApplication(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}

	source := model.NewOpenAISource(cfg.Model)

	var rosterProvider roster.Provider
	if cfg.Roster.Endpoint != "" {
		rosterProvider = roster.NewCache(roster.NewHTTPProvider(cfg.Roster), cfg.Roster.CacheTTL)
	}

	registry := gateway.NewRegistry()
	manager := stream.NewManager(registry, store, source, rosterProvider, cfg.Stream)
	wsHandler := gateway.NewHandler(registry, manager, cfg.Stream.SendBuffer)
	apiServer := api.NewServer(store, registry, manager)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		registry:   registry,
		manager:    manager,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func newStore(cfg *config.Config) (history.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return history.NewPGStore(ctx, cfg.Store.DSN, cfg.Store.Retention, cfg.Store.SweepInterval)
	default:
		return history.NewSQLiteStore(
			database.DefaultConfig(cfg.Store.Path),
			cfg.Store.Retention,
			cfg.Store.SweepInterval,
		)
	}
}

// Start runs the HTTP listener. Blocks until the server stops.
func (a *Application) Start() error {
	logger.L.Info("starting server",
		"addr", a.httpServer.Addr,
		"store", a.config.Store.Backend,
		"model", a.config.Model.Model)

	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the application down gracefully: listener first so no new
// channels open, then the store once in-flight commits have drained.
func (a *Application) Stop(ctx context.Context) error {
	logger.L.Info("shutting down")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.L.Warn("http shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close history store: %w", err)
	}
	return nil
}
