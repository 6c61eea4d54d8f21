package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jorgepascosoto/resumable-db-dump/internal/backup"
	"github.com/jorgepascosoto/resumable-db-dump/internal/config"
	"github.com/jorgepascosoto/resumable-db-dump/internal/dump"
	"github.com/jorgepascosoto/resumable-db-dump/internal/metrics"
	"github.com/jorgepascosoto/resumable-db-dump/internal/notify"
	"github.com/jorgepascosoto/resumable-db-dump/internal/progress"
	"github.com/jorgepascosoto/resumable-db-dump/internal/publish"
	"github.com/jorgepascosoto/resumable-db-dump/internal/storage"
	"github.com/jorgepascosoto/resumable-db-dump/internal/trigger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Errorf("Error: %v", err)
		os.Exit(1)
	}
}

// app is everything one invocation needs, built from the environment. The
// database side is opened on first use so the progress record can be read or
// cleared while the database is unreachable.
type app struct {
	cfg       *config.Config
	store     progress.Store
	artifacts *storage.FileStorage
	remote    *storage.R2Client
	registry  *prometheus.Registry
	metrics   *metrics.Metrics

	session   *backup.Session
	orch      *dump.Orchestrator
	publisher *publish.Publisher
}

func newRootCmd() *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:           "resumable-db-dump",
		Short:         "Dump a SQL database in bounded, resumable steps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setupLogging(cfg.LogLevel); err != nil {
				return err
			}
			a, err = newApp(cmd.Context(), cfg)
			return err
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "step",
			Short: "Run a single dump step and checkpoint",
			RunE: withDumper(&a, func(cmd *cobra.Command, a *app) error {
				res, err := a.orch.Step(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}),
		},
		newRunCmd(&a),
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP trigger",
			RunE: withDumper(&a, func(cmd *cobra.Command, a *app) error {
				srv := trigger.NewServer(a.trigger(), a.artifacts, a.cfg.TimeBudget,
					trigger.WithGatherer(a.registry))
				return srv.ListenAndServe(cmd.Context(), a.cfg.ListenAddr)
			}),
		},
		&cobra.Command{
			Use:   "lambda",
			Short: "Run as an AWS Lambda handler",
			RunE: withDumper(&a, func(cmd *cobra.Command, a *app) error {
				trigger.NewLambdaHandler(a.trigger(), a.cfg.TimeBudget).Start()
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the state of the current dump",
			RunE: withApp(&a, func(cmd *cobra.Command, a *app) error {
				record, err := a.store.Load(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, dump.SessionOf(record))
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Discard the progress record so the next step starts a new dump",
			Long: "Discard the progress record so the next step starts a new dump. " +
				"The database is not contacted, so a corrupt record can be cleared while it is down.",
			RunE: withApp(&a, func(cmd *cobra.Command, a *app) error {
				if err := a.store.Clear(cmd.Context()); err != nil {
					return err
				}
				log.Info("Progress cleared")
				return nil
			}),
		},
	)

	return root
}

func newRunCmd(a **app) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Step until the dump is ready, then publish it",
		RunE: withDumper(a, func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			res, err := dump.Run(ctx, a.orch, 0)
			if err != nil {
				return err
			}

			summary, err := a.publisher.Publish(ctx, res.DumpName)
			if err != nil {
				return err
			}
			log.WithField("dump", summary.DumpName).Infof("Dump ready (%d bytes)", summary.Size)

			if keep {
				return nil
			}
			return a.orch.Clear(ctx)
		}),
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the completed progress record instead of clearing it")
	return cmd
}

// withApp runs fn with the app built by the root pre-run hook and closes the
// app afterwards, whether or not fn failed.
func withApp(a **app, fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, *a)
		if cerr := (*a).Close(context.WithoutCancel(cmd.Context())); err == nil {
			err = cerr
		}
		return err
	}
}

// withDumper is withApp for commands that step the dump and so need the
// database.
func withDumper(a **app, fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return withApp(a, func(cmd *cobra.Command, a *app) error {
		if err := a.openDumper(cmd.Context()); err != nil {
			return err
		}
		return fn(cmd, a)
	})
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.artifacts, err = storage.NewFileStorage(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	log.Debugf("Artifacts are written to %s", a.artifacts.Dir())

	if cfg.HasR2() {
		a.remote, err = storage.NewR2Client(ctx, cfg, cfg.Database.BackupPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create R2 client: %w", err)
		}
	}

	a.store, err = newProgressStore(ctx, cfg, a.artifacts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openDumper connects to the database and wires the orchestrator and the
// publisher around it.
func (a *app) openDumper(ctx context.Context) error {
	cfg := a.cfg

	session, err := backup.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	a.session = session
	log.Infof("Connected to %s database %s", cfg.Database.Type, cfg.Database.Name)

	a.orch = dump.NewForSession(a.session, a.store, a.artifacts,
		dump.WithChunkSize(cfg.ChunkSize),
		dump.WithMetrics(a.metrics))

	opts := []publish.Option{
		publish.WithDatabase(string(cfg.Database.Type), cfg.Database.Name),
		publish.WithNotifier(notify.NewWebhookNotifier(cfg.WebhookURL, cfg.NotifyOnSuccess, cfg.NotifyOnFailure)),
		publish.WithMetrics(a.metrics),
	}
	if a.remote != nil {
		opts = append(opts, publish.WithRemote(a.remote))
		if cfg.HasRetention() {
			opts = append(opts, publish.WithRetention(storage.RetentionPolicy{Days: cfg.RetentionDays, Count: cfg.RetentionCount}))
		}
	}
	a.publisher = publish.New(a.artifacts, opts...)
	return nil
}

// newProgressStore keeps the record next to the artifact unless the r2
// backend is selected.
func newProgressStore(ctx context.Context, cfg *config.Config, local *storage.FileStorage) (progress.Store, error) {
	if cfg.ProgressBackend != config.ProgressBackendR2 {
		return progress.NewBlobStore(local, cfg.ProgressKey), nil
	}
	client, err := storage.NewR2Client(ctx, cfg, cfg.ProgressPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to create R2 progress store: %w", err)
	}
	return progress.NewBlobStore(client, cfg.ProgressKey), nil
}

func (a *app) trigger() *trigger.Trigger {
	return trigger.New(a.orch, a.publisher)
}

// Close releases table locks and the database connection. The progress
// record stays in place for the next invocation.
func (a *app) Close(ctx context.Context) error {
	if a == nil || a.session == nil {
		return nil
	}
	if err := a.orch.Close(ctx); err != nil {
		log.Warnf("Failed to release table locks: %v", err)
	}
	return a.session.Close()
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
