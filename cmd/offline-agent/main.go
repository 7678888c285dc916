package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/control"
	"github.com/Sternrassler/offline-agent/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around its own viper instance.
func newRootCmd() *cobra.Command {
	v := viper.New()
	config.Bind(v)
	var cfgFile string

	root := &cobra.Command{
		Use:   "offline-agent",
		Short: "Offline-resilient caching proxy for web applications",
		Long: `offline-agent sits between an application's UI and its origin, answers
requests from a versioned local cache when the network is unavailable and
keeps that cache bounded and fresh.

Examples:
  # Proxy a local backend, caching into ./data
  offline-agent serve --origin http://localhost:3000

  # Ask a running agent for its cache contents
  offline-agent message GET_CACHE_INFO --nats-url nats://localhost:4222`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-pretty", false, "human-readable console logs")
	root.PersistentFlags().String("nats-url", "", "external NATS server (empty starts an embedded one)")
	root.PersistentFlags().String("subject", control.DefaultSubject, "control channel subject")
	bindFlag(v, root.PersistentFlags().Lookup("log-level"), "log.level")
	bindFlag(v, root.PersistentFlags().Lookup("log-pretty"), "log.pretty")
	bindFlag(v, root.PersistentFlags().Lookup("nats-url"), "control.nats_url")
	bindFlag(v, root.PersistentFlags().Lookup("subject"), "control.subject")

	root.AddCommand(newServeCmd(v), newMessageCmd(v))
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interception proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger := logging.Setup(cfg.LoggingConfig())
			if err := run(cmd.Context(), cfg, logger); err != nil {
				log := logging.NewLogger("main")
				log.Error().Err(err).Msg("Agent stopped with error")
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("origin", "", "origin base URL")
	flags.String("listen", "", "listen address")
	flags.String("agent-version", "", "version tag of the cache namespaces")
	flags.StringSlice("static-assets", nil, "static asset paths to precache")
	flags.String("store-backend", "", "cache backend (badger, redis, sqlite)")
	flags.String("store-dir", "", "badger data directory")
	flags.String("redis-addr", "", "redis address")
	flags.String("sqlite-path", "", "sqlite database file")
	flags.String("manifest-url", "", "release manifest polled for updates")
	flags.Duration("update-interval", 0, "release manifest poll interval")
	flags.Bool("hold-waiting", false, "keep new versions waiting until SKIP_WAITING")
	flags.Bool("control", true, "serve the NATS control channel")

	for flag, key := range map[string]string{
		"origin":          "origin",
		"listen":          "listen",
		"agent-version":   "version",
		"static-assets":   "static_assets",
		"store-backend":   "store.backend",
		"store-dir":       "store.dir",
		"redis-addr":      "store.redis_addr",
		"sqlite-path":     "store.sqlite_path",
		"manifest-url":    "update.manifest_url",
		"update-interval": "update.interval",
		"hold-waiting":    "update.hold_waiting",
		"control":         "control.enabled",
	} {
		bindFlag(v, flags.Lookup(flag), key)
	}
	return cmd
}

func newMessageCmd(v *viper.Viper) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "message ACTION",
		Short: "Send a control message to a running agent over NATS",
		Long: `Send a control message to a running agent. ACTION is one of
SKIP_WAITING, CLEAR_CACHE, GET_CACHE_SIZE, GET_CACHE_INFO, CHECK_UPDATE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			natsURL := v.GetString("control.nats_url")
			if natsURL == "" {
				return fmt.Errorf("--nats-url is required")
			}

			bus, err := control.Connect(control.BusConfig{URL: natsURL})
			if err != nil {
				return err
			}
			defer bus.Close(time.Second)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			requester := control.NewRequester(bus.Conn(), v.GetString("control.subject"))
			reply, err := requester.Send(ctx, control.Message{Action: strings.ToUpper(args[0])})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(reply); err != nil {
				return err
			}
			if !reply.Success {
				return fmt.Errorf("agent reported failure: %s", reply.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "reply timeout")
	return cmd
}
