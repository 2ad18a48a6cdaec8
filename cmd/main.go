package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"conversation-store/handler"
	"conversation-store/internal/config"
	"conversation-store/internal/httpserver"
	"conversation-store/internal/integrations/datalake"
	"conversation-store/internal/integrations/paramstore"
	"conversation-store/internal/logging"
	"conversation-store/internal/metrics"
	"conversation-store/internal/queue"
	"conversation-store/internal/repository"
	"conversation-store/internal/usecase"
	"conversation-store/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("conversation-store exited", "error", err)
		os.Exit(1)
	}
}

// coldTier is the relational store behind both the gateway and the archive.
type coldTier struct {
	gateway usecase.ConversationGateway
	archive usecase.ColdStore
	lister  httpserver.ConversationLister
	health  httpserver.Pinger
	close   func()
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- AWS SDK config ----
	baseAWS, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	queueAWS, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.QueueRegion))
	if err != nil {
		return fmt.Errorf("load aws config for sqs: %w", err)
	}
	hotAWS, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.HotRegion))
	if err != nil {
		return fmt.Errorf("load aws config for dynamodb: %w", err)
	}

	// ---- Secrets ----
	var params *paramstore.Client
	var secrets paramstore.Secrets
	if cfg.ParamPrefix != "" {
		params, err = paramstore.New(awsssm.NewFromConfig(baseAWS))
		if err != nil {
			return err
		}
		secrets, err = params.LoadSecrets(ctx, cfg.ParamPrefix)
		if err != nil {
			return err
		}
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = secrets.DatabaseURL
	}

	// ---- Metrics ----
	m, err := metrics.New(cfg.MetricsNamespace, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	// ---- Storage ----
	hot, err := repository.NewHotStore(awsdynamodb.NewFromConfig(hotAWS), cfg.HotTable)
	if err != nil {
		return err
	}
	cold, err := openColdTier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cold.close()

	// ---- Feedback relay ----
	var relay *usecase.Relay
	var emitter usecase.FeedbackEmitter
	var flusher handler.Flusher
	if cfg.DataLakeURL != "" {
		relay, err = newRelay(cfg, params, secrets, logger, m)
		if err != nil {
			return err
		}
		emitter, flusher = relay, relay
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := relay.Close(closeCtx); err != nil {
				logger.Warn("feedback relay closed with pending records", "error", err)
			}
		}()
	} else {
		logger.Warn("DATALAKE_URL not set; feedback relay disabled")
	}

	// ---- Use cases ----
	migrator, err := usecase.NewMigrationCoordinator(hot, cold.archive, logger, m)
	if err != nil {
		return err
	}
	proc, err := usecase.NewMessageProcessor(cold.gateway, hot, migrator, emitter, usecase.ProcessorConfig{
		TTL:           cfg.MessageTTL,
		AgentUUIDCSAT: cfg.AgentUUIDCSAT,
		AgentUUIDNPS:  cfg.AgentUUIDNPS,
	}, logger, m)
	if err != nil {
		return err
	}

	// ---- Queue ----
	sqsClient := awssqs.NewFromConfig(queueAWS)
	opts := []queue.DispatcherOption{
		queue.WithConcurrency(cfg.Concurrency),
		queue.WithLogger(logger),
		queue.WithObserver(m),
	}
	if cfg.DLQURL != "" {
		dlq, err := queue.NewDeadLetter(sqsClient, cfg.DLQURL)
		if err != nil {
			return err
		}
		opts = append(opts, queue.WithDeadLetter(dlq))
	}
	dispatcher, err := queue.NewDispatcher(proc, opts...)
	if err != nil {
		return err
	}

	logger.Info("starting", "mode", cfg.RunMode, "cold_driver", cfg.ColdDriver, "hot_table", cfg.HotTable)

	if cfg.RunMode == config.ModeLambda {
		h, err := handler.NewHandler(dispatcher, flusher, logger)
		if err != nil {
			return err
		}
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return nil
	}

	consumer, err := queue.NewConsumer(sqsClient, cfg.QueueURL, dispatcher, logger, m)
	if err != nil {
		return err
	}
	srv := httpserver.New(cfg.HTTPListenAddr, logger, httpserver.Dependencies{
		Migrator: migrator,
		Archives: cold.archive,
		Lister:   cold.lister,
		Health:   cold.health,
		Gatherer: prometheus.DefaultGatherer,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func openColdTier(ctx context.Context, cfg config.Config, logger *slog.Logger) (coldTier, error) {
	switch cfg.ColdDriver {
	case config.DriverSQLite:
		store, err := repository.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return coldTier{}, err
		}
		if err := repository.ApplySQLiteMigrations(ctx, store.DB(), migrations.SQLite()); err != nil {
			_ = store.Close()
			return coldTier{}, err
		}
		logger.Info("sqlite cold tier ready", "path", cfg.SQLitePath)
		return coldTier{
			gateway: store,
			archive: store,
			lister:  store,
			health:  store,
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("close sqlite", "error", err)
				}
			},
		}, nil
	default:
		if cfg.DatabaseURL == "" {
			return coldTier{}, errors.New("postgres cold tier needs DATABASE_URL or a database_url parameter")
		}
		pool, err := repository.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return coldTier{}, err
		}
		if err := repository.ApplyMigrations(ctx, pool, migrations.Postgres()); err != nil {
			pool.Close()
			return coldTier{}, err
		}
		archive, err := repository.NewPostgresArchive(pool)
		if err != nil {
			pool.Close()
			return coldTier{}, err
		}
		gateway, err := repository.NewPostgresConversations(pool)
		if err != nil {
			pool.Close()
			return coldTier{}, err
		}
		logger.Info("postgres cold tier ready")
		return coldTier{
			gateway: gateway,
			archive: archive,
			lister:  gateway,
			health:  pool,
			close:   pool.Close,
		}, nil
	}
}

func newRelay(cfg config.Config, params *paramstore.Client, secrets paramstore.Secrets, logger *slog.Logger, m *metrics.Metrics) (*usecase.Relay, error) {
	loc, err := time.LoadLocation(cfg.FeedbackTimezone)
	if err != nil {
		return nil, fmt.Errorf("load FEEDBACK_TIMEZONE %q: %w", cfg.FeedbackTimezone, err)
	}
	opts := []datalake.Option{datalake.WithLocation(loc)}
	switch {
	case secrets.DataLakeToken != "":
		opts = append(opts, datalake.WithToken(secrets.DataLakeToken))
	case params != nil:
		// Resolved on first send.
		_, tokenName := paramstore.Names(cfg.ParamPrefix)
		opts = append(opts, datalake.WithTokenParameter(params, tokenName))
	}
	sink, err := datalake.NewClient(cfg.DataLakeURL, opts...)
	if err != nil {
		return nil, err
	}
	return usecase.NewRelay(sink, usecase.RelayConfig{
		Buffer:     cfg.RelayBuffer,
		MaxRetries: cfg.RelayMaxRetries,
	}, logger, m)
}
