package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"projector/internal/checkpoint"
	cpsqlite "projector/internal/checkpoint/sqlite"
	"projector/internal/commitlog"
	clpostgres "projector/internal/commitlog/postgres"
	clsqlite "projector/internal/commitlog/sqlite"
	"projector/internal/config"
	"projector/internal/domain"
	"projector/internal/notify"
	notifykafka "projector/internal/notify/kafka"
	notifyrabbit "projector/internal/notify/rabbitmq"
	"projector/internal/projection"
)

func main() {
	cfgPath := flag.String("config", "projector.yaml", "path to config file")
	rebuild := flag.Bool("rebuild", false, "start with every slot in rebuild mode")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("node", cfg.Server.NodeID)

	if err := run(cfg, *rebuild, logger); err != nil {
		logger.Error("projectord exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, rebuild bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	commitLog, closeLog, err := openLog(ctx, cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	store, closeStore, err := openStore(cfg.Checkpoints)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, err := openNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}

	engine := projection.NewEngine(commitLog, store, notifier, projection.EngineOptions{
		Poller: projection.PollerOptions{
			Interval:    time.Duration(cfg.Poller.IntervalMs) * time.Millisecond,
			HoleWait:    time.Duration(cfg.Poller.HoleWaitMs) * time.Millisecond,
			BatchSize:   cfg.Poller.BatchSize,
			HoleRetries: cfg.Poller.HoleRetries,
		},
		Pipeline: projection.PipelineOptions{
			IngressCapacity:     cfg.Pipeline.IngressCapacity,
			StageCapacity:       cfg.Pipeline.StageCapacity,
			BroadcastRetries:    cfg.Pipeline.BroadcastRetries,
			BroadcastRetrySleep: time.Duration(cfg.Pipeline.BroadcastRetrySleepMs) * time.Millisecond,
		},
		FlushInterval:    time.Duration(cfg.Checkpoints.FlushIntervalMs) * time.Millisecond,
		CatchupThreshold: cfg.Poller.CatchupThreshold,
		RebuildAll:       rebuild,
	}, logger)

	if err := engine.Register(auditProjection(logger)); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("projectord running", "log_backend", cfg.Log.Backend, "checkpoints_backend", cfg.Checkpoints.Backend)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return engine.Stop(stopCtx)
}

func openLog(ctx context.Context, cfg config.LogConfig) (commitlog.Log, func(), error) {
	switch cfg.Backend {
	case "memory":
		l := commitlog.NewMemoryLog()
		return l, func() { _ = l.Close() }, nil
	case "sqlite":
		l, err := clsqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite commit log: %w", err)
		}
		return l, func() { _ = l.Close() }, nil
	case "postgres":
		l, err := clpostgres.Open(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres commit log: %w", err)
		}
		if err := l.InitSchema(ctx); err != nil {
			_ = l.Close()
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported log backend %q", cfg.Backend)
	}
}

func openStore(cfg config.CheckpointsConfig) (checkpoint.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := cpsqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite checkpoint store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported checkpoints backend %q", cfg.Backend)
	}
}

func openNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Publisher, error) {
	switch cfg.Backend {
	case "none":
		return notify.Nop{}, nil
	case "kafka":
		return notifykafka.NewPublisher(notifykafka.Config{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			ClientID:   cfg.Kafka.ClientID,
			Partitions: cfg.Kafka.Partitions,
		}, logger)
	case "rabbitmq":
		return notifyrabbit.NewPublisher(notifyrabbit.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported notify backend %q", cfg.Backend)
	}
}

// auditProjection is a built-in consumer that traces every commit the
// pipeline dispatches. Useful for smoke-testing a deployment before real
// projections are registered.
func auditProjection(logger *slog.Logger) projection.Consumer {
	p := projection.NewTypedProjection("audit", "audit", "v1", nil)
	p.OnFullProject(func(context.Context, domain.StreamID) error { return nil })
	return auditConsumer{TypedProjection: p, logger: logger.With("component", "audit")}
}

type auditConsumer struct {
	*projection.TypedProjection
	logger *slog.Logger
}

func (a auditConsumer) Handle(ctx context.Context, position int64, changeset *domain.Changeset, stream domain.StreamID) (*domain.HandleResult, error) {
	events := 0
	if changeset != nil {
		events = len(changeset.Events)
	}
	a.logger.Debug("commit dispatched", "position", position, "stream", stream.String(), "events", events)
	return nil, nil
}
