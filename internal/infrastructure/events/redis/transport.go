package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/config"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

// Stream entry fields.
const (
	fieldID            = "id"
	fieldName          = "name"
	fieldCorrelationID = "correlation_id"
	fieldPayload       = "payload"
	fieldError         = "error"
)

const allStream = "all"

var _ interfaces.Transport = (*Transport)(nil)

// Transport implements interfaces.Transport on Redis streams. Each event
// name has a stream <prefix>:<eventName>; every entry is also appended to
// <prefix>:all, which backs wildcard subscriptions.
type Transport struct {
	rdb        *redis.Client
	cfg        config.RedisConfig
	logger     *zap.Logger
	maxDeliver int

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel []context.CancelFunc
	closed bool
}

// NewClient creates a go-redis client from cfg.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// NewTransport creates a transport over rdb. The transport owns rdb and
// closes it on Close.
func NewTransport(rdb *redis.Client, cfg config.RedisConfig, logger *zap.Logger) *Transport {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = config.DefaultSubjectPrefix
	}
	if cfg.Group == "" {
		cfg.Group = config.DefaultServiceName
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group + "-" + uuid.NewString()[:8]
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = config.DefaultStreamMaxLen
	}
	if cfg.Block <= 0 {
		cfg.Block = config.DefaultRedisBlock
	}
	return &Transport{
		rdb:        rdb,
		cfg:        cfg,
		logger:     logger.Named("redis"),
		maxDeliver: config.DefaultMaxDeliver,
	}
}

// StreamKey returns the stream of eventName.
func StreamKey(prefix, eventName string) string {
	if eventName == events.Wildcard {
		eventName = allStream
	}
	return prefix + ":" + eventName
}

// Send appends msg to its event stream and to the all stream in one
// transaction.
func (t *Transport) Send(ctx context.Context, msg interfaces.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return apperrors.Transport("send "+msg.Name, apperrors.ShuttingDown("redis transport closed"))
	}

	values := map[string]any{
		fieldID:            msg.ID,
		fieldName:          msg.Name,
		fieldCorrelationID: msg.CorrelationID,
		fieldPayload:       string(msg.Payload),
	}
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, stream := range []string{StreamKey(t.cfg.StreamPrefix, msg.Name), StreamKey(t.cfg.StreamPrefix, events.Wildcard)} {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: t.cfg.MaxLen,
				Approx: true,
				Values: values,
			})
		}
		return nil
	})
	if err != nil {
		return apperrors.Transport("xadd "+msg.Name, err)
	}
	return nil
}

// Receive creates the consumer group of eventName when missing and reads
// it until ctx is cancelled. Entries are acknowledged after a successful
// delivery; failed entries stay pending and are retried up to MaxDeliver
// times before moving to the dead letter stream.
func (t *Transport) Receive(ctx context.Context, eventName string, deliver interfaces.DeliverFunc) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("redis transport closed"))
	}

	stream := StreamKey(t.cfg.StreamPrefix, eventName)
	if err := t.rdb.XGroupCreateMkStream(ctx, stream, t.cfg.Group, "0").Err(); err != nil && !isBusyGroup(err) {
		return apperrors.Transport("xgroup create "+stream, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("redis transport closed"))
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = append(t.cancel, cancel)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.consume(loopCtx, stream, deliver)
	}()

	t.logger.Info("consumer started",
		zap.String("stream", stream),
		zap.String("group", t.cfg.Group),
		zap.String("consumer", t.cfg.Consumer),
	)
	return nil
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (t *Transport) consume(ctx context.Context, stream string, deliver interfaces.DeliverFunc) {
	failures := make(map[string]int)
	// Start with our own pending entries left over from a previous run.
	pending := true

	for ctx.Err() == nil {
		start := ">"
		block := t.cfg.Block
		if pending {
			start = "0"
			block = -1
		}

		res, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{stream, start},
			Count:    16,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			t.logger.Error("xreadgroup failed", zap.String("stream", stream), zap.Error(err))
			if events.Sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}

		var entries []redis.XMessage
		for _, s := range res {
			entries = append(entries, s.Messages...)
		}
		if pending && len(entries) == 0 {
			pending = false
			continue
		}

		failed := false
		for _, entry := range entries {
			if !t.handle(ctx, stream, entry, deliver, failures) {
				failed = true
			}
		}
		pending = failed
		if failed && events.Sleep(ctx, 100*time.Millisecond) != nil {
			return
		}
	}
}

// handle delivers one entry and reports whether it left the pending list.
func (t *Transport) handle(ctx context.Context, stream string, entry redis.XMessage, deliver interfaces.DeliverFunc, failures map[string]int) bool {
	msg := toMessage(entry)
	err := deliver(ctx, msg)
	if err == nil {
		delete(failures, entry.ID)
		t.ack(ctx, stream, entry.ID)
		return true
	}

	failures[entry.ID]++
	t.logger.Warn("delivery failed",
		zap.String("stream", stream),
		zap.String("entry_id", entry.ID),
		zap.String("event_id", msg.ID),
		zap.Int("deliveries", failures[entry.ID]),
		zap.Error(err),
	)
	if failures[entry.ID] < t.maxDeliver {
		return false
	}

	delete(failures, entry.ID)
	dead := make(map[string]any, len(entry.Values)+1)
	for k, v := range entry.Values {
		dead[k] = v
	}
	dead[fieldError] = err.Error()
	dlq := stream + ":dlq"
	if addErr := t.rdb.XAdd(context.WithoutCancel(ctx), &redis.XAddArgs{Stream: dlq, Values: dead}).Err(); addErr != nil {
		t.logger.Error("failed to send entry to dead letter stream", zap.String("stream", dlq), zap.Error(addErr))
		return false
	}
	t.logger.Warn("entry sent to dead letter stream", zap.String("stream", dlq), zap.String("event_id", msg.ID))
	t.ack(ctx, stream, entry.ID)
	return true
}

func (t *Transport) ack(ctx context.Context, stream, id string) {
	if err := t.rdb.XAck(context.WithoutCancel(ctx), stream, t.cfg.Group, id).Err(); err != nil {
		t.logger.Error("xack failed", zap.String("stream", stream), zap.String("entry_id", id), zap.Error(err))
	}
}

func toMessage(entry redis.XMessage) interfaces.Message {
	str := func(key string) string {
		if v, ok := entry.Values[key].(string); ok {
			return v
		}
		return ""
	}
	return interfaces.Message{
		ID:            str(fieldID),
		Name:          str(fieldName),
		CorrelationID: str(fieldCorrelationID),
		Payload:       []byte(str(fieldPayload)),
	}
}

// Health pings the server.
func (t *Transport) Health(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

// Close stops the consumers and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, cancel := range t.cancel {
		cancel()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return t.rdb.Close()
}
