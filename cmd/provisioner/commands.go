package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/config"
	"github.com/vibehost/provisioner/internal/health"
	"github.com/vibehost/provisioner/internal/service"
	"github.com/vibehost/provisioner/internal/store"
)

type rootOptions struct {
	configPath string
	logLevel   string
	output     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "provisioner",
		Short:         "Provision and operate per-tenant forum stacks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides logging.level")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format (json, yaml)")

	cmd.AddCommand(
		newServeCommand(opts),
		newDeployCommand(opts),
		newStatusCommand(opts),
		newStatsCommand(opts),
		newRemoveCommand(opts),
		newListCommand(opts),
		newQuotaCommand(opts),
		newEnforceCommand(opts),
		newMigrateCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger, _, err := initLogger(level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// run wires a short-lived app around fn
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close(cfg.Server.ShutdownTimeout)

	return fn(ctx, a)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background stats polling, quota enforcement and the ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting provisioner",
				zap.String("backend", cfg.Backend.Kind),
				zap.String("database", cfg.Database.Driver),
				zap.String("cache", cfg.Cache.Kind))

			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}

			metricsPath := ""
			if cfg.Metrics.Enabled {
				metricsPath = cfg.Metrics.Path
			}
			srv := health.NewServer(health.ServerConfig{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				MetricsPath:  metricsPath,
			}, a.healthChecker(), a.promRegistry, logger)

			serverErrors := make(chan error, 1)
			go func() {
				serverErrors <- srv.Start()
			}()

			a.poller.Start(ctx)
			a.quota.Start(ctx)

			var runErr error
			select {
			case runErr = <-serverErrors:
				logger.Error("Ops server failed", zap.Error(runErr))
			case <-ctx.Done():
				logger.Info("Received shutdown signal")
			}

			logger.Info("Shutting down gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Ops server shutdown incomplete", zap.Error(err))
			}
			if err := a.Close(cfg.Server.ShutdownTimeout); err != nil {
				logger.Warn("Shutdown incomplete", zap.Error(err))
			}

			logger.Info("Provisioner stopped")
			return runErr
		},
	}
}

func newDeployCommand(opts *rootOptions) *cobra.Command {
	var req service.DeployRequest

	cmd := &cobra.Command{
		Use:   "deploy [name]",
		Short: "Deploy a new forum stack",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Name = args[0]
			}
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.provisioning.Deploy(ctx, req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, newStackView(result.Stack))
			})
		},
	}
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "Owner of the stack")
	cmd.Flags().StringVar(&req.Email, "email", "", "Contact address for the deploy notification")
	cmd.Flags().StringVar(&req.Domain, "domain", "", "Base domain; the stack is served at <name>.<domain>")
	cmd.Flags().StringVar(&req.CustomDomain, "custom-domain", "", "Serve the stack at this domain and derive the name from it")
	cmd.Flags().BoolVar(&req.AutoGenerate, "auto-name", false, "Generate a random name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show a stack's record and live component state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.provisioning.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, newStatusView(result))
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <name>",
		Short: "Show CPU and memory usage of a stack's components",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.provisioning.GetStats(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, newStatsView(stats))
			})
		},
	}
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a stack and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				var err error
				if owner != "" {
					err = a.provisioning.RemoveOwned(ctx, args[0], owner)
				} else {
					err = a.provisioning.Remove(ctx, args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only remove the stack if this owner holds it")
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's stacks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				stacks, err := a.provisioning.ListByOwner(ctx, owner)
				if err != nil {
					return err
				}
				views := make([]stackView, 0, len(stacks))
				for _, s := range stacks {
					views = append(views, newStackView(s))
				}
				return render(cmd.OutOrStdout(), opts.output, views)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner whose stacks to list")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newQuotaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quota <owner>",
		Short: "Show an owner's plan, stack count and storage usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.quota.UsageSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, newUsageView(summary))
			})
		},
	}
}

func newEnforceCommand(opts *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Run one storage enforcement pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app) error {
				var results []*service.EnforcementResult
				if owner != "" {
					result, err := a.quota.EnforceStorage(ctx, owner)
					if err != nil {
						return err
					}
					results = append(results, result)
				} else {
					all, err := a.quota.EnforceAll(ctx)
					if err != nil {
						return err
					}
					results = all
				}

				views := make([]enforcementView, 0, len(results))
				for _, r := range results {
					views = append(views, newEnforcementView(r))
				}
				return render(cmd.OutOrStdout(), opts.output, views)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only enforce this owner's limit")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the stack registry schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Database.Driver != "postgres" {
				return errors.New("migrate needs database.driver=postgres")
			}
			db := cfg.Database
			registry, err := store.NewPostgresStackRegistry(
				db.Host, db.Port, db.Database, db.User, db.Password, db.SSLMode,
				db.MaxConnections, db.MinConnections, db.ConnMaxLifetime,
				logger,
			)
			if err != nil {
				return err
			}
			defer registry.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := registry.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Stack registry schema is up to date")
			return nil
		},
	}
}
