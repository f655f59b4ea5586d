package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxbase-eu/backplane/internal/backplane"
	"github.com/fluxbase-eu/backplane/internal/bus"
	"github.com/fluxbase-eu/backplane/internal/config"
	"github.com/fluxbase-eu/backplane/internal/observability"
	"github.com/fluxbase-eu/backplane/internal/sequence"
	"github.com/fluxbase-eu/backplane/internal/server"
	"github.com/fluxbase-eu/backplane/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// CLI flags
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("Backplane %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
		os.Exit(0)
	}

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting backplaned")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Node identity; every message published from this node carries it
	if cfg.Node.Name == "" {
		cfg.Node.Name = uuid.New().String()
	}
	log.Info().
		Str("node", cfg.Node.Name).
		Str("backend", cfg.Backend).
		Msg("Node identity")

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	busOpts := bus.Options{
		HistorySize:      cfg.Bus.HistorySize,
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		SequenceTimeout:  cfg.Bus.SequenceTimeout,
	}

	var (
		b     *bus.Bus
		relay *backplane.Backplane
	)

	switch cfg.Backend {
	case "redis":
		rt, err := transport.NewRedis(transport.Options{
			URL:          cfg.Redis.URL,
			DialTimeout:  cfg.Redis.DialTimeout,
			PingInterval: cfg.Redis.PingInterval,
			PingFailures: cfg.Redis.PingFailures,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid Redis configuration")
		}

		// Ordering IDs come from a counter in the relay medium, reached
		// through whatever connection the relay currently holds.
		seq := sequence.New(sequence.IncrFunc(func(ctx context.Context, key string) (int64, error) {
			return relay.Incr(ctx, key)
		}), cfg.Redis.SequenceKey)

		b = bus.New(seq, busOpts)
		relay = backplane.New(rt, cfg.Redis.Channel, b)
		b.AttachRelay(relay)

		go keepRelayConnected(relay)

	case "local":
		b = bus.New(&sequence.Local{}, busOpts)
		log.Info().Msg("Running in single-node mode, no relay configured")

	default:
		log.Fatal().Str("backend", cfg.Backend).Msg("Unknown backend")
	}

	if metrics != nil {
		b.SetMetrics(metrics)
		if relay != nil {
			relay.SetMetrics(metrics)
		}
	}

	// Initialize HTTP server
	srv := server.New(cfg, b, relay, metrics)

	// Start server in a goroutine
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("Starting backplane server")
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown: stop intake, detach from the medium, then
	// release local subscribers.
	ctx := context.Background()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Warn().Err(err).Msg("Relay close failed")
		}
	}
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("Bus close failed")
	}

	log.Info().Msg("Server exited")
}

// keepRelayConnected keeps nudging the relay until a connection lands. An
// established connection redials itself after a loss, but a dial that fails
// outright stays down until someone asks again, so the daemon asks.
func keepRelayConnected(relay *backplane.Backplane) {
	for {
		err := relay.AwaitReady(context.Background())
		if errors.Is(err, backplane.ErrClosed) {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Relay connection failed, retrying")
			time.Sleep(2 * time.Second)
			continue
		}

		// Connected. Sleep before checking again so a redial that fails
		// after a drop also gets picked back up.
		time.Sleep(2 * time.Second)
	}
}
