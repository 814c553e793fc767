package logbroker

import (
	"sync"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
)

// DefaultQueueDepth bounds each connection's outbound queue when none is
// configured.
const DefaultQueueDepth = 1024

// DeliveryFunc receives rendered entries for one connection. It runs on the
// connection's own drain goroutine, never on the ingestion path, so it may
// block on socket writes.
type DeliveryFunc func(logentry.Rendered)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueOverflow
)

// Connection is the broker-side handle of one transport connection. The
// transport owns it; all state changes go through Broker methods keyed by ID.
//
// Lifecycle:
//
//	OpenConnection → RegisterDeliveryCallback → ... → CloseConnection / overflow
//
// Done() is closed exactly once; Err() then reports the close reason (nil for
// an orderly close).
type Connection struct {
	id    string
	queue chan logentry.Rendered

	done      chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once

	mu  sync.Mutex // guards err
	err error
}

func newConnection(id string, depth int) *Connection {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Connection{
		id:    id,
		queue: make(chan logentry.Rendered, depth),
		done:  make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// QueueLen reports how many rendered entries await delivery.
func (c *Connection) QueueLen() int { return len(c.queue) }

func (c *Connection) queueFree() int { return cap(c.queue) - len(c.queue) }

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the close reason once Done() is closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// enqueue never blocks: a full queue is reported as overflow and the caller
// decides the connection's fate.
func (c *Connection) enqueue(r logentry.Rendered) enqueueResult {
	if c.isClosed() {
		return enqueueClosed
	}
	select {
	case c.queue <- r:
		return enqueued
	default:
		return enqueueOverflow
	}
}

// startDrain launches the per-connection delivery goroutine. Only the first
// call has an effect.
func (c *Connection) startDrain(fn DeliveryFunc) {
	c.drainOnce.Do(func() {
		go func() {
			for {
				select {
				case <-c.done:
					return
				case r := <-c.queue:
					if c.isClosed() {
						return
					}
					fn(r)
				}
			}
		}()
	})
}

// close is idempotent; only the first reason is kept.
func (c *Connection) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
	})
}
