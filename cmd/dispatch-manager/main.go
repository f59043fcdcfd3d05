package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"publish-dispatch/internal/audit"
	"publish-dispatch/internal/channel/email"
	"publish-dispatch/internal/channel/push"
	awsclients "publish-dispatch/internal/common/aws"
	"publish-dispatch/internal/common/camunda"
	"publish-dispatch/internal/common/config"
	"publish-dispatch/internal/common/database"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/observability"
	"publish-dispatch/internal/dispatch"
	"publish-dispatch/internal/ratelimit"
	"publish-dispatch/internal/recipient"
	"publish-dispatch/internal/server"

	dp "publish-dispatch/internal/workers/publishing/document-published"
	du "publish-dispatch/internal/workers/publishing/document-updated"
)

// retryWithBackoff runs operation until it succeeds or maxRetries is hit,
// doubling the delay between attempts.
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("starting dispatch manager",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	obs := observability.New(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("postgres schema setup failed", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected")

	// --- Redis ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected")

	// --- Audit log ---
	auditStore, esClient, err := buildAuditStore(ctx, cfg, pg, zapLog)
	if err != nil {
		zapLog.Fatal("audit store setup failed", zap.Error(err))
	}
	auditLog := audit.NewLog(auditStore, audit.Options{
		TokenPrefix:  cfg.Audit.TokenPrefix,
		BodyLimit:    cfg.Audit.BodyLimit,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, log)

	// --- Transports ---
	var awsClients *awsclients.Clients
	if cfg.Push.Provider == "sns" || cfg.Email.Provider == "ses" {
		awsClients, err = awsclients.NewClients(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			zapLog.Fatal("aws client setup failed", zap.Error(err))
		}
	}

	pushTransport := buildPushTransport(cfg, awsClients, log)
	emailTransport, err := buildEmailTransport(cfg, awsClients, log)
	if err != nil {
		zapLog.Fatal("email transport setup failed", zap.Error(err))
	}

	// --- Recipients and channels ---
	recipients := recipient.NewPostgresStore(pg.DB)
	policy := recipient.NewDomainPolicy(cfg.Email.DisallowedDomains, cfg.Email.DisallowedSubstrings)
	resolver := recipient.NewResolver(recipients, policy, log)

	pushChannel := push.NewChannel(
		pushTransport,
		ratelimit.NewRedisLimiter(rdb.Client, ""),
		auditLog,
		push.Options{
			Cooldown:    cfg.Push.Cooldown,
			SendTimeout: cfg.Push.SendTimeout,
			Fanout:      cfg.Dispatch.Fanout,
		},
		log,
	)
	emailChannel := email.NewChannel(
		emailTransport,
		policy,
		recipients,
		auditLog,
		email.NewRenderer(cfg.Dispatch.DeepLinkBase),
		email.Options{
			BatchSize:   cfg.Email.BatchSize,
			SendTimeout: cfg.Email.SendTimeout,
		},
		log,
	)

	// --- Dispatch ---
	requests := dispatch.NewPostgresStore(pg.DB)
	coordinator := dispatch.NewCoordinator(
		requests,
		resolver,
		pushChannel,
		emailChannel,
		auditLog,
		obs,
		dispatch.Options{
			MaxAttempts:   cfg.Dispatch.Retry.MaxAttempts,
			Backoff:       cfg.Dispatch.Retry.Backoff,
			DeepLinkBase:  cfg.Dispatch.DeepLinkBase,
			PushBodyLimit: cfg.Push.BodyLimit,
		},
		log,
	)
	pool := dispatch.NewPool(coordinator, requests, dispatch.PoolOptions{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		SweepInterval: cfg.Dispatch.SweepInterval,
	}, log)
	pool.Start()

	if n, err := pool.Resume(ctx); err != nil {
		zapLog.Warn("resume of unfinished dispatches incomplete", zap.Int("queued", n), zap.Error(err))
	}

	guard := dispatch.NewGuard(requests, pool, cfg.Dispatch.RenotifyOnUpdate, log)

	// --- Zeebe ---
	zeebe, err := camunda.Connect(ctx, &camunda.ClientConfig{
		GatewayAddress:         cfg.Camunda.BrokerAddress,
		UsePlaintextConnection: true,
		ConnectionTimeout:      config.GetDuration(cfg.Camunda.RequestTimeout),
	}, log)
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	defer zeebe.Close()
	zapLog.Info("Zeebe client connected")

	workers := camunda.NewWorkers(zeebe.Zeebe(), log)

	publishedCfg := config.GetWorkerConfig(cfg, dp.TaskType)
	publishedHandler := dp.NewHandler(dp.LoadConfig(publishedCfg), guard, obs, log)
	workers.Start(dp.TaskType, publishedCfg, publishedHandler.Handle)

	updatedCfg := config.GetWorkerConfig(cfg, du.TaskType)
	updatedHandler := du.NewHandler(du.LoadConfig(updatedCfg), guard, obs, log)
	workers.Start(du.TaskType, updatedCfg, updatedHandler.Handle)

	// --- Health, metrics and audit API ---
	checks := []server.Check{
		{Name: "postgres", Ping: pg.Ping},
		{Name: "redis", Ping: rdb.Ping},
		{Name: "zeebe", Ping: zeebe.HealthCheck},
	}
	if esClient != nil {
		checks = append(checks, server.Check{Name: "elasticsearch", Ping: esClient.Ping})
	}
	srv := server.New(cfg.Server.Address, auditLog, checks, log)
	srv.Start()

	<-ctx.Done()
	zapLog.Info("shutdown signal received")

	workers.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownTimeout)
	defer cancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("dispatch pool did not drain", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("server shutdown failed", zap.Error(err))
	}

	zapLog.Info("dispatch manager stopped")
}

func buildAuditStore(ctx context.Context, cfg *config.Config, pg *database.PostgresClient, zapLog *zap.Logger) (audit.Store, *database.ElasticsearchClient, error) {
	pgStore := audit.NewPostgresStore(pg.DB)
	if cfg.Audit.Backend == "postgres" {
		return pgStore, nil, nil
	}

	var esClient *database.ElasticsearchClient
	err := retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		return nil, nil, err
	}
	if err := esClient.EnsureIndex(ctx, cfg.Audit.Index, audit.IndexMapping); err != nil {
		return nil, nil, err
	}
	zapLog.Info("Elasticsearch connected", zap.String("index", cfg.Audit.Index))

	esStore := audit.NewElasticsearchStore(esClient.Client, cfg.Audit.Index)
	if cfg.Audit.Backend == "elasticsearch" {
		return esStore, esClient, nil
	}
	return audit.NewMultiStore(pgStore, esStore), esClient, nil
}

func buildPushTransport(cfg *config.Config, clients *awsclients.Clients, log logger.Logger) push.Transport {
	if cfg.Push.Provider == "sns" {
		return push.NewSNSTransport(clients.SNS)
	}
	return push.NewLogTransport(log)
}

func buildEmailTransport(cfg *config.Config, clients *awsclients.Clients, log logger.Logger) (email.Transport, error) {
	switch cfg.Email.Provider {
	case "ses":
		return email.NewSESTransport(clients.SES, cfg.Integrations.AWS.SES.FromEmail), nil
	case "postmark":
		pm := cfg.Integrations.Postmark
		client, err := email.NewPostmarkClient(pm.ServerToken, pm.AccountToken)
		if err != nil {
			return nil, err
		}
		return email.NewPostmarkTransport(client, pm.FromEmail), nil
	case "smtp":
		smtpCfg := cfg.Integrations.SMTP
		return email.NewSMTPTransport(email.SMTPConfig{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			UseTLS:   smtpCfg.UseTLS,
			From:     smtpCfg.DefaultFrom,
		}), nil
	default:
		return email.NewLogTransport(log), nil
	}
}
