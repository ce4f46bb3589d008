// Command companion watches a coding assistant's transcript logs and runs a
// small companion simulation that reacts to what it sees.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/companion/internal/classify"
	"github.com/sweeney/companion/internal/companion"
	"github.com/sweeney/companion/internal/config"
	"github.com/sweeney/companion/internal/daemon"
	"github.com/sweeney/companion/internal/mqtt"
	"github.com/sweeney/companion/internal/status"
	"github.com/sweeney/companion/internal/store"
	"github.com/sweeney/companion/internal/tail"
	"github.com/sweeney/companion/internal/web"
	"github.com/sweeney/companion/internal/wellbeing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	addr       string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "companion",
		Short:        "A companion that lives in your coding assistant's logs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.Path(), "config file (.toml, .yaml)")
	root.PersistentFlags().StringVar(&flags.addr, "addr", "", "daemon HTTP address (default from config)")

	root.AddCommand(
		newRunCmd(flags),
		newInitCmd(flags),
		newStateCmd(flags),
		newEmoteCmd(flags),
	)
	for _, op := range daemon.Ops {
		root.AddCommand(newOpCmd(flags, op))
	}
	return root
}

type runFlags struct {
	logRoot  string
	db       string
	http     string
	broker   string
	logLevel string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the companion daemon",
		Long: `Run the companion daemon in the foreground.

The daemon tails the transcript logs, classifies new activity, drives the
simulation and serves the status page. It stops on SIGINT or SIGTERM and
saves its state before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), cfg)
			notes := cfg.Normalize()

			log, err := newLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer log.Sync()
			for _, n := range notes {
				log.Warn("config adjusted", zap.String("note", n))
			}

			ctx, cancel := context.WithCancelCause(cmd.Context())
			defer cancel(nil)
			stopOnSignal(ctx, cancel, log)

			return runDaemon(ctx, cfg, log)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.logRoot, "log-root", "", "directory of transcript logs")
	fs.StringVar(&f.db, "db", "", "state database path")
	fs.StringVar(&f.http, "http", "", `HTTP status address ("off" disables)`)
	fs.StringVar(&f.broker, "broker", "", "MQTT broker address (enables MQTT)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
}

// apply overrides config values with flags given on the command line.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	changed := fs.Changed
	if changed("log-root") {
		cfg.Tail.Root = f.logRoot
	}
	if changed("db") {
		cfg.Storage.Path = f.db
	}
	if changed("http") {
		cfg.HTTP.Addr = f.http
		if f.http == "off" {
			cfg.HTTP.Addr = ""
		}
	}
	if changed("broker") {
		cfg.MQTT.Broker = f.broker
		cfg.MQTT.Enabled = true
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// stopOnSignal cancels ctx with the signal name as the stop reason.
func stopOnSignal(ctx context.Context, cancel context.CancelCauseFunc, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case s := <-sigCh:
			log.Info("shutting down", zap.Stringer("signal", s))
			cancel(daemon.StopReason(signalName(s)))
		case <-ctx.Done():
		}
	}()
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Name:            cfg.Name,
		LogRoot:         cfg.Tail.Root,
		PollMs:          cfg.Tail.PollInterval.D().Milliseconds(),
		CheckMs:         cfg.Timing.CheckInterval.D().Milliseconds(),
		DecayMs:         cfg.Timing.DecayInterval.D().Milliseconds(),
		IdleThresholdMs: cfg.Timing.IdleThreshold.D().Milliseconds(),
		SampleMs:        cfg.Timing.SampleInterval.D().Milliseconds(),
		HeartbeatMs:     cfg.MQTT.Heartbeat.D().Milliseconds(),
		MQTTEnabled:     cfg.MQTT.Enabled,
		Broker:          cfg.MQTT.Broker,
		HTTPAddr:        cfg.HTTP.Addr,
	}
}

func buildClassifier(cfg *config.Config, log *zap.Logger) *classify.Classifier {
	rules, errs := classify.Compile(cfg.RuleSpecs())
	for _, err := range errs {
		log.Warn("skipping classification rule", zap.Error(err))
	}
	return classify.New(rules, cfg.Classify.UsageField)
}

func runDaemon(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	kv, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	now := time.Now()
	engine := companion.New(kv, nil, now, companion.Options{
		DecayInterval: cfg.Timing.DecayInterval.D(),
		IdleThreshold: cfg.Timing.IdleThreshold.D(),
		HygieneMin:    cfg.Timing.HygieneMin.D(),
		HygieneMax:    cfg.Timing.HygieneMax.D(),
		Log:           log.Named("companion"),
	})
	aggregator := wellbeing.New(kv, now, log.Named("wellbeing"))
	reader := tail.NewReader(cfg.Tail.Root, tail.Options{
		Extensions:    cfg.Tail.Extensions,
		MaxChunkBytes: cfg.Tail.MaxChunkBytes,
	})

	opts := daemon.Options{
		PollInterval:   cfg.Tail.PollInterval.D(),
		CheckInterval:  cfg.Timing.CheckInterval.D(),
		DecayInterval:  cfg.Timing.DecayInterval.D(),
		SampleInterval: cfg.Timing.SampleInterval.D(),
		Log:            log,
	}
	if cfg.Tail.Watch {
		n, err := tail.NewNotifier(cfg.Tail.Root, log.Named("tail"))
		if err != nil {
			log.Warn("file watching unavailable, polling only", zap.Error(err))
		} else {
			opts.Notifier = n
		}
	}
	if cfg.MQTT.Enabled {
		pub := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.Name, log)
		defer pub.Close()
		opts.Publisher = pub
		opts.Heartbeat = cfg.MQTT.Heartbeat.D()
	}

	tracker := status.NewTracker(now, uuid.NewString(), statusConfig(cfg))
	d := daemon.New(engine, aggregator, buildClassifier(cfg, log), reader, tracker, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, d, log)
		g.Go(func() error {
			log.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-d.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("companion running",
		zap.String("name", cfg.Name),
		zap.String("log_root", cfg.Tail.Root),
		zap.String("db", cfg.Storage.Path),
		zap.Bool("mqtt", cfg.MQTT.Enabled))
	return g.Wait()
}

func newInitCmd(root *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(root.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", root.configPath)
			}
			if err := config.Save(config.Default(), root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", root.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
