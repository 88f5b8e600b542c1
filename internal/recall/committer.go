package recall

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned by CommitAsync when the committer is saturated.
// The turn is not written.
var ErrQueueFull = errors.New("recall: commit queue full")

// ErrCommitterClosed is returned by CommitAsync after Close.
var ErrCommitterClosed = errors.New("recall: committer closed")

// Committer writes one session's turns in the background, in order.
type Committer struct {
	m  *Manager
	ch chan TurnRecord

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewCommitter starts a background writer with room for size pending turns.
// A disabled manager yields a committer that drops everything.
func (m *Manager) NewCommitter(size int) *Committer {
	c := &Committer{m: m, ch: make(chan TurnRecord, max(size, 1)), done: make(chan struct{})}
	go c.run()
	return c
}

// CommitAsync queues rec without blocking. Turns that are not committable
// are rejected immediately.
func (c *Committer) CommitAsync(rec TurnRecord) error {
	if rec.TurnID == 0 || (rec.Status != StatusComplete && rec.Status != StatusInterrupted) {
		return ErrTurnNotCommittable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCommitterClosed
	}
	select {
	case c.ch <- rec:
		return nil
	default:
		slog.Warn("recall: commit queue full, dropping turn", "key", rec.Key())
		if c.m != nil {
			c.m.recordCommit(context.Background(), "dropped")
		}
		return ErrQueueFull
	}
}

// Close stops accepting turns and waits until queued ones are written. No
// write happens after Close returns.
func (c *Committer) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Committer) run() {
	defer close(c.done)
	for rec := range c.ch {
		// Commit logs its own failures.
		_ = c.m.Commit(context.Background(), rec)
	}
}
