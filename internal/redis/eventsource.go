package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventSource feeds a logbroker.Sink from the lifecycle and log Pub/Sub channels.
//
// Names listed in exclude never reach the sink: their lifecycle events are
// dropped and log chunks from their current pid are dropped too.
type EventSource struct {
	log    *zap.Logger
	client *Client
	sink   logbroker.Sink
	prefix string

	exclude map[string]struct{}

	mu           sync.Mutex
	excludedPIDs map[int]string // pid → excluded name
}

// NewEventSource builds an event source; client may be nil when only
// Dispatch is used.
func NewEventSource(log *zap.Logger, client *Client, sink logbroker.Sink, prefix string, exclude []string) *EventSource {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	ex := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		ex[name] = struct{}{}
	}
	return &EventSource{
		log:          log.Named("eventsource"),
		client:       client,
		sink:         sink,
		prefix:       prefix,
		exclude:      ex,
		excludedPIDs: make(map[int]string),
	}
}

// Run subscribes and dispatches messages until ctx is cancelled.
func (s *EventSource) Run(ctx context.Context) error {
	lifecycle, logs := LifecycleChannel(s.prefix), LogChannel(s.prefix)

	sub := s.client.Subscribe(ctx, lifecycle, logs)
	defer sub.Close()

	// Wait for the subscription confirmation so startup errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s, %s: %w", lifecycle, logs, err)
	}
	s.log.Info("subscribed", zap.Strings("channels", []string{lifecycle, logs}))

	ch := sub.Channel(redis.WithChannelSize(1000))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			if err := s.Dispatch(msg.Channel, []byte(msg.Payload)); err != nil {
				s.log.Debug("message dropped", zap.String("channel", msg.Channel), zap.Error(err))
			}
		}
	}
}

// Dispatch decodes one message received on channel and forwards it to the
// sink. Messages on unknown channels and malformed payloads are rejected.
func (s *EventSource) Dispatch(channel string, payload []byte) error {
	switch channel {
	case LifecycleChannel(s.prefix):
		m, ev, err := decodeLifecycle(payload)
		if err != nil {
			return err
		}
		if s.excluded(m.PID, m.Name, ev) {
			return nil
		}
		s.sink.IngestLifecycle(m.PID, m.Name, ev)
		return nil

	case LogChannel(s.prefix):
		m, kind, err := decodeLog(payload)
		if err != nil {
			return err
		}
		if s.excludedPID(m.PID) {
			return nil
		}
		s.sink.IngestLog(m.PID, kind, []byte(m.Data))
		return nil
	}
	return fmt.Errorf("unexpected channel %q", channel)
}

// excluded reports whether name is excluded, tracking its pid binding.
func (s *EventSource) excluded(pid int, name string, ev logbroker.LifecycleEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.exclude[name]; !ok {
		// A pid reused by a non-excluded process is no longer filtered.
		if ev.IsAlive() {
			delete(s.excludedPIDs, pid)
		}
		return false
	}
	switch {
	case ev.IsAlive():
		s.excludedPIDs[pid] = name
	case ev.IsTerminal():
		delete(s.excludedPIDs, pid)
	}
	return true
}

func (s *EventSource) excludedPID(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.excludedPIDs[pid]
	return ok
}
