package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/obgate/adapters/events"
	"github.com/layer-3/obgate/adapters/store"
	"github.com/layer-3/obgate/adapters/tokenizer"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/internal/config"
	"github.com/layer-3/obgate/internal/logger"
	"github.com/layer-3/obgate/service"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the consent sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			app := fx.New(
				fx.Supply(cfg),
				fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: l.Named("fx")}
				}),
				fx.Provide(
					newLogger,
					newTracer,
					newStore,
					newRedisClient,
					newRateLimiter,
					newEventPublisher,
					newLedger,
					newSettings,
					newSecretHasher,
					newTicketTokenizer,
					newSessions,
					newRegistryService,
					newTokenService,
					newConsentService,
					newEnforcer,
					newAuthorizationService,
					newPaymentService,
					newSweeper,
					newRouter,
					newHTTPServer,
				),
				fx.Invoke(useTracer, wireSandboxSettlement, startSweeper, startHTTPServer),
			)
			app.Run()
			return app.Err()
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return errors.New("migrate needs the postgres database driver")
			}

			db, err := store.OpenPostgres(cfg.Database.DSN)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed consents and purge dead credentials once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer log.Sync()

			st, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			settings := newSettings(cfg)
			consents := service.NewConsentService(st, events.NopPublisher{}, log)
			tokens := service.NewTokenService(st, settings, log)
			sweeper := service.NewSweeper(consents, tokens, st, cfg.Sweeper.Interval.Duration, log)

			report, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired consents: %d\npurged credentials: %d\npurged authorization requests: %d\n",
				report.ExpiredConsents, report.PurgedCredentials, report.PurgedAuthRequests)
			return nil
		},
	}
}

// sessionCmd mints a bank session token for sandbox use
func sessionCmd(configPath *string) *cobra.Command {
	var (
		userID string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Mint a sandbox bank session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if userID == "" {
				return errors.New("--user is required")
			}

			role := core.RoleCustomer
			if admin {
				role = core.RoleAdmin
			}
			token, err := tokenizer.NewHMACSessions(cfg.Keys.SessionSecret).
				Sign(core.Identity{UserID: userID, Role: role}, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "bank user id")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "session lifetime")
	return cmd
}
