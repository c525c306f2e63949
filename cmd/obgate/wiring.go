package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/adapters/events"
	"github.com/layer-3/obgate/adapters/hasher"
	"github.com/layer-3/obgate/adapters/ledger"
	"github.com/layer-3/obgate/adapters/ratelimit"
	"github.com/layer-3/obgate/adapters/store"
	"github.com/layer-3/obgate/adapters/tokenizer"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/internal/config"
	"github.com/layer-3/obgate/internal/logger"
	"github.com/layer-3/obgate/internal/telemetry"
	"github.com/layer-3/obgate/ports"
	"github.com/layer-3/obgate/service"
	httptransport "github.com/layer-3/obgate/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type tracerShutdown func(context.Context) error

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	return log, nil
}

func newTracer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (tracerShutdown, error) {
	shutdown, err := telemetry.InitTracer(context.Background(), cfg.Telemetry, cfg.Server.ServiceName, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return shutdown(stopCtx)
		},
	})
	return shutdown, nil
}

func useTracer(tracerShutdown) {}

// openStore opens the configured store and returns its closer
func openStore(cfg *config.Config) (ports.Store, func() error, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := store.OpenPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("database handle: %w", err)
	}
	return store.NewGormStore(db), sqlDB.Close, nil
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (ports.Store, error) {
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "memory" {
		log.Warn("using the in-memory store; state is lost on restart")
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return closeStore() },
	})
	return st, nil
}

// newRedisClient returns nil when Redis is not configured
func newRedisClient(lc fx.Lifecycle, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		OnStop:  func(context.Context) error { return client.Close() },
	})
	return client, nil
}

func newRateLimiter(client *redis.Client) ports.RateLimiter {
	if client == nil {
		return ratelimit.NewMemoryLimiter(nil)
	}
	return ratelimit.NewRedisLimiter(client, nil)
}

func newEventPublisher(lc fx.Lifecycle, client *redis.Client, log *zap.Logger) (ports.EventPublisher, error) {
	adapter := events.NewZapLoggerAdapter(log.Named("events"))

	var publisher message.Publisher
	if client == nil {
		publisher = gochannel.NewGoChannel(gochannel.Config{}, adapter)
	} else {
		var err error
		publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, adapter)
		if err != nil {
			return nil, fmt.Errorf("create redis stream publisher: %w", err)
		}
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return publisher.Close() },
	})
	return events.NewWatermillPublisher(publisher), nil
}

func newLedger(cfg *config.Config, log *zap.Logger) ports.Ledger {
	if cfg.Ledger.Mode == "http" {
		return ledger.NewHTTPLedger(cfg.Ledger.BaseURL, cfg.Ledger.Timeout.Duration)
	}
	return ledger.NewSandboxLedger(log.Named("sandbox-ledger"))
}

// wireSandboxSettlement lets the sandbox ledger settle submitted payments
// through the orchestrator, standing in for the ledger callback.
func wireSandboxSettlement(cfg *config.Config, l ports.Ledger, payments *service.PaymentService) {
	sandbox, ok := l.(*ledger.SandboxLedger)
	if !ok {
		return
	}
	sandbox.AutoSettle(func(ctx context.Context, paymentID string, s core.Settlement) error {
		_, err := payments.Settle(ctx, paymentID, s)
		return err
	}, cfg.Ledger.SettleDelay.Duration)
}

func newSettings(cfg *config.Config) service.Settings {
	s := service.DefaultSettings()
	s.CodeTTL = cfg.Tokens.CodeTTL.Duration
	s.AccessTTL = cfg.Tokens.AccessTTL.Duration
	s.RefreshTTL = cfg.Tokens.RefreshTTL.Duration
	s.RequestTTL = cfg.Tokens.RequestTTL.Duration
	s.ConsentValidity = cfg.Tokens.ConsentValidity.Duration
	s.SCATimeout = cfg.Tokens.SCATimeout.Duration
	s.RotateRefreshTokens = cfg.RotateRefreshTokens()
	s.DefaultQuota = core.Quota{PerMinute: cfg.RateLimit.PerMinute, PerDay: cfg.RateLimit.PerDay}
	return s
}

func newSecretHasher() ports.SecretHasher {
	return hasher.NewBcryptHasher(bcrypt.DefaultCost)
}

func newTicketTokenizer(cfg *config.Config, log *zap.Logger) (ports.Tokenizer, error) {
	if cfg.Keys.TicketKeyPath != "" {
		key, err := tokenizer.LoadSigningKey(cfg.Keys.TicketKeyPath)
		if err != nil {
			return nil, err
		}
		return tokenizer.NewJWTTokenizer(key), nil
	}

	log.Warn("no ticket signing key configured; consent handles will not survive a restart")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return tokenizer.NewJWTTokenizer(key), nil
}

func newSessions(cfg *config.Config) ports.SessionVerifier {
	return tokenizer.NewHMACSessions(cfg.Keys.SessionSecret)
}

func newRegistryService(st ports.Store, h ports.SecretHasher, s service.Settings, log *zap.Logger) *service.RegistryService {
	return service.NewRegistryService(st, h, s, log.Named("registry"))
}

func newTokenService(st ports.Store, s service.Settings, log *zap.Logger) *service.TokenService {
	return service.NewTokenService(st, s, log.Named("tokens"))
}

func newConsentService(st ports.Store, pub ports.EventPublisher, log *zap.Logger) *service.ConsentService {
	return service.NewConsentService(st, pub, log.Named("consents"))
}

func newEnforcer(tokens *service.TokenService, consents *service.ConsentService, st ports.Store, limiter ports.RateLimiter, log *zap.Logger) *service.Enforcer {
	return service.NewEnforcer(tokens, consents, st, limiter, log.Named("enforcer"))
}

func newAuthorizationService(
	registry *service.RegistryService,
	consents *service.ConsentService,
	tokens *service.TokenService,
	enforcer *service.Enforcer,
	st ports.Store,
	tickets ports.Tokenizer,
	pub ports.EventPublisher,
	s service.Settings,
	log *zap.Logger,
) *service.AuthorizationService {
	return service.NewAuthorizationService(registry, consents, tokens, enforcer, st, tickets, pub, s, log.Named("authz"))
}

func newPaymentService(st ports.Store, l ports.Ledger, pub ports.EventPublisher, s service.Settings, log *zap.Logger) *service.PaymentService {
	return service.NewPaymentService(st, l, pub, s, log.Named("payments"))
}

func newSweeper(cfg *config.Config, consents *service.ConsentService, tokens *service.TokenService, st ports.Store, log *zap.Logger) *service.Sweeper {
	return service.NewSweeper(consents, tokens, st, cfg.Sweeper.Interval.Duration, log.Named("sweeper"))
}

type routerParams struct {
	fx.In

	Config   *config.Config
	Registry *service.RegistryService
	Consents *service.ConsentService
	Authz    *service.AuthorizationService
	Enforcer *service.Enforcer
	Payments *service.PaymentService
	Ledger   ports.Ledger
	Sessions ports.SessionVerifier
	Logger   *zap.Logger
}

func newRouter(p routerParams) *gin.Engine {
	return httptransport.NewRouter(httptransport.Deps{
		Registry:       p.Registry,
		Consents:       p.Consents,
		Authz:          p.Authz,
		Enforcer:       p.Enforcer,
		Payments:       p.Payments,
		Ledger:         p.Ledger,
		Sessions:       p.Sessions,
		Issuer:         p.Config.Server.Issuer,
		ServiceName:    p.Config.Server.ServiceName,
		CallbackSecret: p.Config.Keys.CallbackSecret,
		Logger:         p.Logger.Named("http"),
	})
}

func newHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httptransport.WithCORS(engine, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func startSweeper(lc fx.Lifecycle, sweeper *service.Sweeper) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			go func() {
				sweeper.Run(runCtx)
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *http.Server, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
