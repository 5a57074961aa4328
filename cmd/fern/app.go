package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/recordcount"
	"github.com/Ramsey-B/fern/internal/repositories/records"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/encryption"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/janitor"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/persist"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

const (
	depDatabase   = "database"
	depReplica    = "replica"
	depMigrations = "migrations"
	depKafka      = "kafka"
	depRedis      = "redis"
	depRecords    = "records"
)

// app holds the process-wide resources. Fields are filled in by the startup dependencies.
type app struct {
	cfg     config.Config
	logger  ectologger.Logger
	zap     *zap.Logger
	startup *startup.Startup

	db       database.DB
	readDB   database.DB
	producer *kafka.Producer
	redis    *redis.Client

	counts  *recordcount.Repository
	records *records.Repository
	emitter *events.Emitter
	persist *persist.Service

	shutdownTracing func(context.Context) error
}

type appOptions struct {
	migrate bool
	kafka   bool
	redis   bool
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	logger, zapLogger, err := logging.NewLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.AppName,
		SampleRatio: cfg.Tracing.SampleRatio,
		OTLP: exporters.OTLPConfig{
			Endpoint: cfg.Tracing.Endpoint,
			Protocol: cfg.Tracing.Protocol,
			Insecure: cfg.Tracing.Insecure,
		},
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		zap:             zapLogger,
		startup:         startup.NewStartup(logger, cfg.StartupMaxAttempts),
		shutdownTracing: shutdownTracing,
	}

	a.startup.AddDependency(&dependency{name: depDatabase, start: a.startDatabase, stop: a.stopDatabase})
	a.startup.AddDependency(&dependency{name: depReplica, dependsOn: []string{depDatabase}, start: a.startReplica, stop: a.stopReplica})

	recordDeps := []string{depDatabase, depReplica}
	if opts.migrate {
		a.startup.AddDependency(&dependency{name: depMigrations, dependsOn: []string{depDatabase}, start: a.runMigrations})
		recordDeps = append(recordDeps, depMigrations)
	}
	if opts.kafka && cfg.Kafka.Enabled {
		a.startup.AddDependency(&dependency{name: depKafka, start: a.startKafka, stop: a.stopKafka})
		recordDeps = append(recordDeps, depKafka)
	}
	if opts.redis && cfg.Redis.Enabled {
		a.startup.AddDependency(&dependency{name: depRedis, start: a.startRedis, stop: a.stopRedis})
		recordDeps = append(recordDeps, depRedis)
	}
	a.startup.AddDependency(&dependency{name: depRecords, dependsOn: recordDeps, start: a.startRecords})

	return a, nil
}

func (a *app) Start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *app) Stop(ctx context.Context) {
	if err := a.startup.Stop(ctx); err != nil {
		a.logger.WithContext(ctx).WithError(err).Error("Failed to stop dependencies")
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.WithContext(ctx).WithError(err).Warn("Failed to flush traces")
	}
	_ = a.zap.Sync()
}

func databaseConnection(cfg config.DatabaseConfig) database.ConnectionConfig {
	return database.ConnectionConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Name:            cfg.Name,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

func (a *app) startDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, databaseConnection(a.cfg.Database), a.logger)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

func (a *app) stopDatabase(context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// startReplica opens the read pool, or reuses the primary when no replica is configured.
func (a *app) startReplica(ctx context.Context) error {
	if a.cfg.Replica == a.cfg.Database {
		a.readDB = a.db
		return nil
	}
	db, err := database.Connect(ctx, databaseConnection(a.cfg.Replica), a.logger)
	if err != nil {
		return err
	}
	a.readDB = db
	return nil
}

func (a *app) stopReplica(context.Context) error {
	if a.readDB == nil || a.readDB == a.db {
		return nil
	}
	return a.readDB.Close()
}

func (a *app) runMigrations(context.Context) error {
	service := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.Migrations.FolderPath,
		Version:             a.cfg.Migrations.Version,
		Force:               a.cfg.Migrations.Force,
		AutoRollback:        a.cfg.Migrations.AutoRollback,
	})
	return service.MigratePostgres(a.db.SQLX().DB, a.cfg.Database.Name)
}

func (a *app) startKafka(context.Context) error {
	a.producer = kafka.NewProducer(kafka.Config{
		Brokers:      kafka.ParseBrokers(a.cfg.Kafka.Brokers),
		Topic:        a.cfg.Kafka.Topic,
		BatchSize:    a.cfg.Kafka.BatchSize,
		BatchTimeout: a.cfg.Kafka.BatchTimeout,
		RequiredAcks: a.cfg.Kafka.RequiredAcks,
		Compression:  a.cfg.Kafka.Compression,
	}, a.logger)
	return nil
}

func (a *app) stopKafka(context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.Redis.Host,
		Port:     a.cfg.Redis.Port,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

func (a *app) stopRedis(context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) startRecords(context.Context) error {
	encryptor, err := a.encryptor()
	if err != nil {
		return err
	}

	a.counts = recordcount.NewRepository(a.db, a.readDB, a.logger)
	a.records = records.NewRepository(a.db, a.readDB, a.counts, encryptor, a.logger, records.Config{
		BatchSize:      a.cfg.Records.BatchSize,
		MaxAttempts:    a.cfg.Records.RetryAttempts,
		RetryDelay:     a.cfg.Records.RetryDelay,
		ReadTimeout:    a.cfg.Records.ReadTimeout,
		DefaultLimit:   a.cfg.Records.DefaultLimit,
		MaxLimit:       a.cfg.Records.MaxLimit,
		SweepBatchSize: a.cfg.Records.SweepBatchSize,
		PurgeBatchSize: a.cfg.Records.PurgeBatchSize,
	})

	// a nil publisher turns the emitter into a no-op
	var publisher events.Publisher
	if a.producer != nil {
		publisher = a.producer
	}
	a.emitter = events.NewEmitter(publisher, a.logger)
	a.persist = persist.NewService(a.records, a.emitter, a.logger)
	return nil
}

func (a *app) encryptor() (encryption.Encryptor, error) {
	if a.cfg.Encryption.Key == "" {
		return encryption.Noop{}, nil
	}
	return encryption.NewAESGCM(a.cfg.Encryption.Key, a.cfg.Encryption.Salt)
}

func (a *app) newJanitor() *janitor.Janitor {
	cfg := a.cfg.Janitor

	// a nil claimer works candidates without a distributed claim
	var claimer janitor.Claimer
	if a.redis != nil {
		claimer = redis.NewLocker(a.redis, a.cfg.Redis.KeyPrefix)
	}

	return janitor.New(a.records, claimer, a.emitter, janitor.Config{
		PruneEnabled:     cfg.PruneEnabled,
		PruneInterval:    cfg.PruneInterval,
		PruneStaleAfter:  cfg.PruneStaleAfter,
		PruneLimit:       cfg.PruneLimit,
		DeleteEnabled:    cfg.DeleteEnabled,
		DeleteInterval:   cfg.DeleteInterval,
		DeleteStaleAfter: cfg.DeleteStaleAfter,
		DeleteLimit:      cfg.DeleteLimit,
		BatchSize:        cfg.BatchSize,
		ClaimTTL:         cfg.ClaimTTL,
		DryRun:           cfg.DryRun,
	}, a.logger)
}

// dependency adapts start and stop funcs to startup.Dependency.
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string {
	return d.name
}

func (d *dependency) DependsOn() []string {
	return d.dependsOn
}

func (d *dependency) Start(ctx context.Context) error {
	return d.start(ctx)
}

func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}
