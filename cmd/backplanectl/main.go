package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fluxbase-eu/backplane/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	flagURL     string
	flagChannel string
	flagSeqKey  string
	flagTimeout time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "backplanectl",
	Short: "Backplane CLI - Poke at the relay medium directly",
	Long: `backplanectl talks straight to the shared relay medium, bypassing any
backplaned node. Useful for smoke-testing a deployment, watching traffic,
and injecting messages.

Get started:
  backplanectl tail              Watch everything crossing the channel
  backplanectl publish a b       Inject a message
  backplanectl --help            Show available commands`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "",
		"relay medium URL (default redis://localhost:6379)")
	rootCmd.PersistentFlags().StringVar(&flagChannel, "channel", "",
		"shared channel name (default backplane:events)")
	rootCmd.PersistentFlags().StringVar(&flagSeqKey, "sequence-key", "",
		"shared sequence counter key (default backplane:seq)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second,
		"timeout for one-shot operations")

	// Bind environment variables, same names the daemon reads
	viper.SetEnvPrefix("BACKPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = viper.BindEnv("redis.url")          // BACKPLANE_REDIS_URL
	_ = viper.BindEnv("redis.channel")      // BACKPLANE_REDIS_CHANNEL
	_ = viper.BindEnv("redis.sequence_key") // BACKPLANE_REDIS_SEQUENCE_KEY

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(seqCmd)
}

// relayURL resolves the medium URL: flag, environment, then default.
func relayURL() string {
	if flagURL != "" {
		return flagURL
	}
	if v := viper.GetString("redis.url"); v != "" {
		return v
	}
	return "redis://localhost:6379"
}

func relayChannel() string {
	if flagChannel != "" {
		return flagChannel
	}
	if v := viper.GetString("redis.channel"); v != "" {
		return v
	}
	return "backplane:events"
}

func sequenceKey() string {
	if flagSeqKey != "" {
		return flagSeqKey
	}
	if v := viper.GetString("redis.sequence_key"); v != "" {
		return v
	}
	return "backplane:seq"
}

// dialRelay opens a one-off connection to the relay medium.
func dialRelay(ctx context.Context) (transport.Conn, error) {
	rt, err := transport.NewRedis(transport.Options{URL: relayURL()})
	if err != nil {
		return nil, err
	}
	return rt.Connect(ctx)
}
