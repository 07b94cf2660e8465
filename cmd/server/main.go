package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codecollab/internal/api"
	"codecollab/internal/config"
	"codecollab/internal/db"
	"codecollab/internal/repository"
	"codecollab/internal/services/collaboration"
	"codecollab/internal/telemetry"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "codecollab-server",
	Short: "Real-time single-writer collaborative code editing coordinator",
	Long: `codecollab-server hosts one room per shared document. Editors connect over
WebSocket, take turns holding the edit lock, and see each other's changes live.
Accepted edits are written behind to Postgres, SQLite or memory.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("server-host", "", "interface to listen on (SERVER_HOST)")
	flags.String("server-port", "", "port to listen on (SERVER_PORT)")
	flags.String("store-driver", "", "persistence driver: postgres, sqlite or memory (STORE_DRIVER)")
	flags.String("sqlite-path", "", "database file for the sqlite driver (SQLITE_PATH)")
	flags.Duration("inactivity-timeout", 0, "evict sessions silent for this long (INACTIVITY_TIMEOUT)")
	flags.Duration("sweep-interval", 0, "how often to look for silent sessions (SWEEP_INTERVAL)")
	flags.Bool("enforce-membership", false, "only let listed collaborators join (ENFORCE_MEMBERSHIP)")
	flags.String("jaeger-endpoint", "", "Jaeger collector endpoint, empty disables tracing (JAEGER_ENDPOINT)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore picks the persistence collaborator. The returned closer releases
// the database handle.
func openStore(cfg *config.Config) (repository.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return repository.NewGormStore(database.DB), database.Close, nil

	case config.DriverSQLite:
		database, err := db.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewSQLiteStore(database.DB), database.Close, nil

	case config.DriverMemory:
		log.Println("⚠️  Using in-memory store; history is lost on restart")
		return repository.NewMemoryStore(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Println("🚀 Starting collaborative editing coordinator...")

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Tracing first so everything after it is traced
	jaegerShutdown, err := telemetry.InitJaeger("codecollab", version, cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cached := repository.NewCachedStore(store, cfg.CollaboratorCacheSize, cfg.CollaboratorCacheTTL)

	sessionManager := collaboration.NewSessionManager(cached, collaboration.Settings{
		InactivityTimeout: cfg.InactivityTimeout,
		SweepInterval:     cfg.SweepInterval,
		EnforceMembership: cfg.EnforceMembership,
		PersistWorkers:    cfg.PersistWorkers,
		PersistQueueSize:  cfg.PersistQueueSize,
	})
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager, collaboration.TransportSettings{
		SendBufferSize:    cfg.SendBufferSize,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})

	handler := api.NewHandler(sessionManager, cached, wsHandler)
	router := api.SetupRoutes(handler)

	addr := cfg.Address()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("🌐 Server listening on http://%s (store: %s)", addr, cfg.StoreDriver)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /api/health            - Liveness")
		log.Printf("   GET    /api/rooms             - Active rooms")
		log.Printf("   GET    /api/rooms/:id         - Room presence")
		log.Printf("   GET    /api/documents/:id     - Latest stored version")
		log.Printf("   POST   /api/stop-editing      - Release edit lock (unload beacon)")
		log.Printf("   WS     /ws, /ws/document/:id  - Collaboration protocol")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		sessionManager.Shutdown()
		return fmt.Errorf("server error: %w", err)
	}

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Closes every connection, then drains queued writes
	sessionManager.Shutdown()

	log.Println("✓ Server shutdown complete")
	return nil
}
