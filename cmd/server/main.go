/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize the store (SQLite or PostgreSQL)
  3. Wire mutator, notifier, webhook processor, sweeper
  4. Configure HTTP router and background sweep scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db-driver      "sqlite" or "postgres" (default: sqlite)
  -db             SQLite database path (default: points.db)
                  Use ":memory:" for an in-memory database
  -dsn            PostgreSQL DSN (required with -db-driver=postgres)
  -kafka-brokers  Comma-separated broker list; empty disables publishing
  -sweep-interval Background expiration sweep interval (default: 1h)
  -app-url        Public frontend URL used in notification deep links

ENVIRONMENT (secrets stay out of flags):
  STRIPE_WEBHOOK_SECRET      Webhook signature secret (required)
  JWT_SECRET                 Bearer token signing secret (required)
  LINE_CHANNEL_ACCESS_TOKEN  LINE push API token; empty logs instead

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Stop the sweep scheduler
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Local development, log-only notifications
  STRIPE_WEBHOOK_SECRET=whsec_test JWT_SECRET=dev ./server -db=":memory:"

  # Production-ish
  ./server -db-driver=postgres -dsn="$DATABASE_URL" \
      -kafka-brokers=kafka-1:9092,kafka-2:9092

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweep
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/uranai/points-ledger/api"
	"github.com/uranai/points-ledger/auth"
	"github.com/uranai/points-ledger/events"
	"github.com/uranai/points-ledger/ledger"
	"github.com/uranai/points-ledger/notify"
	"github.com/uranai/points-ledger/payments"
	"github.com/uranai/points-ledger/store/postgres"
	"github.com/uranai/points-ledger/store/sqlite"
)

type closableStore interface {
	ledger.Store
	Close() error
}

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbDriver := flag.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	dbPath := flag.String("db", "points.db", "SQLite database path")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (with -db-driver=postgres)")
	kafkaBrokers := flag.String("kafka-brokers", "", "comma-separated Kafka brokers; empty disables publishing")
	sweepInterval := flag.Duration("sweep-interval", time.Hour, "background expiration sweep interval (0 disables)")
	appURL := flag.String("app-url", "", "public frontend URL for notification links")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	jwtSecret := os.Getenv("JWT_SECRET")
	if webhookSecret == "" || jwtSecret == "" {
		log.Fatal("STRIPE_WEBHOOK_SECRET and JWT_SECRET must be set")
	}

	// Initialize store
	var store closableStore
	var err error
	switch *dbDriver {
	case "sqlite":
		store, err = sqlite.New(*dbPath)
	case "postgres":
		if *dsn == "" {
			log.Fatal("-dsn is required with -db-driver=postgres")
		}
		store, err = postgres.New(*dsn)
	default:
		log.Fatalf("Unknown db driver: %s", *dbDriver)
	}
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Event publishing (best effort, wired into the mutator)
	var publisher ledger.Publisher = events.Nop{}
	if *kafkaBrokers != "" {
		kp := events.NewPublisher(strings.Split(*kafkaBrokers, ","))
		defer kp.Close()
		publisher = kp
		log.Printf("Publishing ledger events to Kafka: %s", *kafkaBrokers)
	}

	// Notifications: LINE push when the token is configured, log otherwise
	var notifier notify.Notifier = notify.Log{}
	if token := os.Getenv("LINE_CHANNEL_ACCESS_TOKEN"); token != "" {
		notifier = notify.NewLine(token)
		log.Println("LINE push notifications enabled")
	}

	// Domain wiring
	mutator := ledger.NewMutator(store).WithPublisher(publisher)
	sweeper := ledger.NewSweeper(store, mutator, notifier)
	webhook := payments.NewProcessor(webhookSecret, mutator, store, notifier, *appURL)
	tokens := auth.NewTokens(jwtSecret, 24*time.Hour)

	handler := api.NewHandler(store, mutator, sweeper, webhook, notifier)
	handler.AppURL = *appURL
	router := api.NewRouter(handler, tokens)

	// Background sweep
	scheduler := api.NewSweepScheduler(sweeper)
	if *sweepInterval <= 0 {
		scheduler.Enabled = false
	} else {
		scheduler.CheckInterval = *sweepInterval
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
