package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher writes lifecycle and log messages to the Pub/Sub channels read by
// EventSource.
type Publisher struct {
	log     *zap.Logger
	client  publishClient
	prefix  string
	timeout time.Duration
}

var _ logbroker.Sink = (*Publisher)(nil)

// NewPublisher returns a publisher on prefix (DefaultChannelPrefix if empty).
func NewPublisher(log *zap.Logger, client *Client, prefix string) *Publisher {
	return newPublisher(log, client, prefix)
}

func newPublisher(log *zap.Logger, client publishClient, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Publisher{
		log:     log.Named("publisher"),
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
	}
}

// PublishLifecycle announces a process status change.
func (p *Publisher) PublishLifecycle(ctx context.Context, m LifecycleMessage) error {
	return p.publish(ctx, LifecycleChannel(p.prefix), m)
}

// PublishLog sends one output chunk.
func (p *Publisher) PublishLog(ctx context.Context, m LogMessage) error {
	return p.publish(ctx, LogChannel(p.prefix), m)
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// IngestLifecycle lets a Publisher mirror a local event source.
func (p *Publisher) IngestLifecycle(pid int, name string, event logbroker.LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.PublishLifecycle(ctx, LifecycleMessage{PID: pid, Name: name, Event: string(event)}); err != nil {
		p.log.Warn("lifecycle not mirrored", zap.String("name", name), zap.Error(err))
	}
}

// IngestLog lets a Publisher mirror a local event source.
func (p *Publisher) IngestLog(pid int, kind logentry.StreamKind, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.PublishLog(ctx, LogMessage{PID: pid, Kind: kind.String(), Data: string(payload)}); err != nil {
		p.log.Debug("log chunk not mirrored", zap.Int("pm_id", pid), zap.Error(err))
	}
}
