// statesync is the state synchronization and recovery engine CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statesync/statesync/internal/broadcast"
	"github.com/statesync/statesync/internal/config"
	"github.com/statesync/statesync/internal/conflict"
	"github.com/statesync/statesync/internal/engine"
	"github.com/statesync/statesync/internal/state"
	"github.com/statesync/statesync/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "statesync",
		Short: "StateSync - cross-context state synchronization and recovery engine",
		Long: `StateSync keeps one shared state tree consistent across independent
execution contexts that share the same backing storage.

Examples:

  # Read a value (dotted key paths reach into nested mappings):
  statesync get form.field1

  # Write a value (parsed as JSON, falling back to a plain string):
  statesync set activeTab menu
  statesync set form '{"field1": 42}'

  # Inspect engine health:
  statesync health

  # Run the broadcast hub that relays updates between processes:
  statesync hub

  # Follow engine events as they happen:
  statesync watch`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	getCmd := &cobra.Command{
		Use:   "get <key-path>",
		Short: "Read a value from the synchronized state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v := e.Get(args[0], state.Null())
				out, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encode value: %w", err)
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
	rootCmd.AddCommand(getCmd)

	setCmd := &cobra.Command{
		Use:   "set <key-path> <value>",
		Short: "Write a value into the synchronized state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Set(ctx, args[0], parseValue(args[1]))
			})
		},
	}
	rootCmd.AddCommand(setCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Print the engine health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				out, err := json.MarshalIndent(e.GetHealth(), "", "  ")
				if err != nil {
					return fmt.Errorf("encode health: %w", err)
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}
	rootCmd.AddCommand(healthCmd)

	strategyCmd := &cobra.Command{
		Use:   "strategy <timestamp|merge|manual>",
		Short: "Switch the conflict resolution strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SetConflictStrategy(conflict.Strategy(args[0]))
			})
		},
	}
	rootCmd.AddCommand(strategyCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow engine events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, cancel := e.Subscribe(64)
				defer cancel()

				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				for {
					select {
					case ev := <-events:
						out, _ := json.Marshal(ev.Fields)
						fmt.Printf("%s %s\n", ev.Name, string(out))
					case <-sig:
						return nil
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
	rootCmd.AddCommand(watchCmd)

	hubCmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the broadcast hub relaying updates between processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			hub := broadcast.NewHub(log.Logger, nil)
			server := &http.Server{
				Addr:              cfg.Hub.Listen,
				Handler:           hub.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			log.Info().Str("listen", cfg.Hub.Listen).Msg("Broadcast hub listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("hub server: %w", err)
			}
			return nil
		},
	}
	rootCmd.AddCommand(hubCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("statesync %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	cfg := config.Default()
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	cfg.DataDir = home + "/.statesync"
	return cfg, nil
}

// withEngine builds an engine from the config, initializes it, runs fn, and
// tears everything down.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	setupLogging()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	durable, err := storage.OpenBadgerTier("durable", cfg.DataDir, log.Logger)
	if err != nil {
		return fmt.Errorf("open durable tier: %w", err)
	}
	defer func() { _ = durable.Close() }()

	opts := engine.Options{
		Config: cfg,
		Logger: log.Logger,
		Tiers:  storage.NewAdapter(log.Logger, durable, storage.NewMemoryTier("session")),
	}
	if cfg.Hub.Enabled {
		channel, derr := broadcast.Dial(cfg.Hub.URL, cfg.ContextID, log.Logger)
		if derr != nil {
			return fmt.Errorf("connect to hub: %w", derr)
		}
		opts.Broadcaster = channel
	}

	e, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	if err := e.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

// parseValue interprets raw as JSON when possible; anything unparseable is
// treated as a plain string, so `set activeTab menu` works without quoting.
func parseValue(raw string) state.Value {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return state.String(raw)
	}
	v, err := state.FromInterface(parsed)
	if err != nil {
		return state.String(raw)
	}
	return v
}
