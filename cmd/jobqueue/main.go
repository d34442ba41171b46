// Command jobqueue runs workers against the queue and performs operator tasks on it.
//
// Subcommands:
//
//	migrate  apply (or roll back) the queue table migrations
//	worker   poll the queue and run jobs until interrupted
//	push     enqueue a sign-in email job
//	stats    print job counts by status
//	flush    delete every job
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	jobqueue "github.com/TimKotowski/pg-job-queue"
	"github.com/TimKotowski/pg-job-queue/internal/mailer"
	"github.com/TimKotowski/pg-job-queue/migrations"
)

func main() {
	root := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Durable Postgres job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		migrateCmd(),
		workerCmd(),
		pushCmd(),
		statsCmd(),
		flushCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*jobqueue.Config, error) {
	conf, err := jobqueue.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(conf))
	return conf, nil
}

func migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := jobqueue.GetDBConnection(conf)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			if down {
				return migrations.Rollback(cmd.Context(), db)
			}
			return migrations.Migrate(cmd.Context(), db)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the last migration group instead")
	return cmd
}

func workerCmd() *cobra.Command {
	var (
		memory bool
		seed   int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}

			var smtp mailer.Config
			if err := env.Parse(&smtp); err != nil {
				return fmt.Errorf("smtp config: %w", err)
			}
			registry := newRegistry(smtp)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			metrics := jobqueue.NewMetrics(prometheus.DefaultRegisterer)
			opts := []jobqueue.WorkerOption{
				jobqueue.WithLogger(slog.Default()),
				jobqueue.WithMetrics(metrics),
			}

			var worker *jobqueue.Worker
			if memory {
				q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
				for i := range seed {
					if _, err := q.Push(ctx, jobqueue.NewMessage(jobqueue.SendSignInEmail{
						Email: fmt.Sprintf("user-%d@example.com", i),
						Name:  fmt.Sprintf("User %d", i),
						Code:  "000-000",
					})); err != nil {
						return err
					}
				}
				worker = jobqueue.NewWorker(conf, q, registry, opts...)
			} else {
				jq, err := jobqueue.NewFromConfig(ctx, conf)
				if err != nil {
					return fmt.Errorf("database: %w", err)
				}
				defer jq.Close()

				if err := jq.Init(); err != nil {
					return err
				}
				worker = jq.NewWorker(registry, opts...)
			}

			srv := newMetricsServer(conf.MetricsAddr)
			go func() {
				slog.Info("metrics server started", "addr", conf.MetricsAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server", "error", err)
				}
			}()

			runErr := worker.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}

			return runErr
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "use an in-process queue instead of Postgres")
	cmd.Flags().IntVar(&seed, "seed", 0, "sign-in email jobs to push before starting (memory queue only)")
	return cmd
}

func pushCmd() *cobra.Command {
	var (
		email string
		name  string
		code  string
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Enqueue a sign-in email job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}

			jq, err := jobqueue.NewFromConfig(cmd.Context(), conf)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer jq.Close()

			id, err := jq.Queue().Push(cmd.Context(), jobqueue.NewMessage(jobqueue.SendSignInEmail{
				Email: email,
				Name:  name,
				Code:  code,
			}), jobqueue.WithDelay(delay))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "recipient address")
	cmd.Flags().StringVar(&name, "name", "", "recipient name")
	cmd.Flags().StringVar(&code, "code", "", "sign-in code")
	cmd.Flags().DurationVar(&delay, "delay", 0, "how long to wait before the job is due")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}

			jq, err := jobqueue.NewFromConfig(cmd.Context(), conf)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer jq.Close()

			stats, err := jq.Queue().Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queued\t%d\n", stats.Queued)
			fmt.Fprintf(out, "running\t%d\n", stats.Running)
			fmt.Fprintf(out, "failed\t%d\n", stats.Failed)
			return nil
		},
	}
}

func flushCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Delete every job, in any state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to flush without --yes")
			}

			conf, err := loadConfig()
			if err != nil {
				return err
			}

			jq, err := jobqueue.NewFromConfig(cmd.Context(), conf)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer jq.Close()

			if err := jq.Queue().Flush(cmd.Context()); err != nil {
				return err
			}
			slog.Info("queue flushed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting every job")
	return cmd
}

// newRegistry delivers sign-in emails over SMTP when a host is configured and only
// logs them otherwise.
func newRegistry(smtp mailer.Config) *jobqueue.Registry {
	var m *mailer.Mailer
	if smtp.Enabled() {
		m = mailer.New(smtp)
	} else {
		slog.Warn("SMTP_HOST not set, sign-in emails will only be logged")
	}

	r := jobqueue.NewRegistry()
	jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
		slog.InfoContext(ctx, "sending sign-in email", "job_id", job.ID, "email", p.Email, "attempt", job.FailedAttempts+1)
		if m == nil {
			return nil
		}
		return m.Send(ctx, mailer.SignIn{Email: p.Email, Name: p.Name, Code: p.Code})
	})
	return r
}

func newMetricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(conf *jobqueue.Config) *slog.Logger {
	level := slog.LevelInfo
	switch conf.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if conf.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
