// Package backbone assembles an event runtime from configuration.
package backbone

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/internal/infrastructure/events/kafka"
	"github.com/narwhalmedia/backbone/internal/infrastructure/events/memory"
	"github.com/narwhalmedia/backbone/internal/infrastructure/events/nats"
	"github.com/narwhalmedia/backbone/internal/infrastructure/events/redis"
	gormstore "github.com/narwhalmedia/backbone/internal/infrastructure/persistence/gorm"
	s3store "github.com/narwhalmedia/backbone/internal/infrastructure/persistence/s3"
	"github.com/narwhalmedia/backbone/pkg/config"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

// NewTransport returns the transport named by cfg.Broker.Type. The cleanup
// func closes it and is safe to call after the bus closed it.
func NewTransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (interfaces.Transport, func(), error) {
	var (
		transport interfaces.Transport
		err       error
	)

	switch cfg.Broker.Type {
	case config.BrokerMemory:
		transport = memory.NewTransport(cfg.Broker.Memory.Buffer, logger.NewFromZap(log.Named("memory")))

	case config.BrokerNATS:
		client, _, cerr := nats.NewClient(ctx, cfg.Broker.NATS, log)
		if cerr != nil {
			return nil, nil, apperrors.Transport("connect to NATS", cerr)
		}
		transport = nats.NewTransport(client, log)

	case config.BrokerKafka:
		transport, err = kafka.NewTransport(cfg.Broker.Kafka, log)
		if err != nil {
			return nil, nil, apperrors.Transport("connect to Kafka", err)
		}

	case config.BrokerRedis:
		rdb := redis.NewClient(cfg.Broker.Redis)
		t := redis.NewTransport(rdb, cfg.Broker.Redis, log)
		if err := t.Health(ctx); err != nil {
			_ = t.Close()
			return nil, nil, apperrors.Transport("connect to Redis", err)
		}
		transport = t

	default:
		return nil, nil, apperrors.Validation(fmt.Sprintf("unknown broker type %q", cfg.Broker.Type))
	}

	log.Info("transport ready", zap.String("type", cfg.Broker.Type))
	cleanup := func() {
		if err := transport.Close(); err != nil {
			log.Error("failed to close transport", zap.Error(err))
		}
	}
	return transport, cleanup, nil
}

// NewStore returns the event store named by cfg.Store.Type, with every
// persisted record already replayed.
func NewStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*eventstore.Store, func(), error) {
	var (
		store *eventstore.Store
		err   error
	)

	switch cfg.Store.Type {
	case config.StoreMemory:
		store = eventstore.NewMemoryStore()

	case config.StoreFile:
		store, err = eventstore.OpenFileStore(ctx, cfg.Store.File.Path)

	case config.StoreSQL:
		db, dbCleanup, derr := gormstore.NewDB(cfg.Store.Database, log)
		if derr != nil {
			return nil, nil, derr
		}
		store, err = gormstore.OpenEventStore(ctx, db, dbCleanup)
		if err != nil {
			dbCleanup()
		}

	case config.StoreS3:
		client, cerr := s3store.NewClient(ctx, cfg.Store.S3)
		if cerr != nil {
			return nil, nil, cerr
		}
		store, err = s3store.OpenEventStore(ctx, client, cfg.Store.S3, log)

	default:
		return nil, nil, apperrors.Validation(fmt.Sprintf("unknown store type %q", cfg.Store.Type))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}

	log.Info("event store ready", zap.String("type", cfg.Store.Type), zap.Int("records", store.Len()))
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close event store", zap.Error(err))
		}
	}
	return store, cleanup, nil
}
