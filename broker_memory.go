package jobengine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with FIFO order per kind and
// timer-based delays. It is meant for tests and single-process setups.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string][]Message
	notify chan struct{} // closed and replaced on every enqueue
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}

	leases LeaseTable
	logger *slog.Logger
}

// NewMemoryBroker creates an in-process broker using leases for liveness.
func NewMemoryBroker(leases LeaseTable, logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string][]Message),
		notify: make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
		leases: leases,
		logger: logger,
	}
}

// Publish enqueues msg, immediately or after delay.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker is %w", ErrBackendClosed)
	}

	if delay <= 0 {
		b.enqueueLocked(msg, false)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, timer)
		if b.closed {
			return
		}
		b.enqueueLocked(msg, false)
	})
	b.timers[timer] = struct{}{}
	return nil
}

func (b *MemoryBroker) enqueueLocked(msg Message, front bool) {
	if front {
		b.queues[msg.Kind] = append([]Message{msg}, b.queues[msg.Kind]...)
	} else {
		b.queues[msg.Kind] = append(b.queues[msg.Kind], msg)
	}
	close(b.notify)
	b.notify = make(chan struct{})
}

// take pops the oldest message of any of kinds, or returns the channel to
// wait on for the next enqueue.
func (b *MemoryBroker) take(kinds []string) (Message, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		if q := b.queues[kind]; len(q) > 0 {
			msg := q[0]
			b.queues[kind] = slices.Clone(q[1:])
			return msg, true, nil
		}
	}
	return Message{}, false, b.notify
}

// Pending returns the number of ready (not delayed, not in-flight) messages.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// Consume starts a consumer for kinds.
func (b *MemoryBroker) Consume(ctx context.Context, kinds []string) (<-chan Delivery, error) {
	if len(kinds) == 0 {
		return nil, &ValidationError{Field: "kinds", Message: "at least one kind is required"}
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("broker is %w", ErrBackendClosed)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			msg, ok, wait := b.take(kinds)
			if !ok {
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}

			if err := b.leases.Acquire(ctx, msg.DispatchToken); err != nil {
				b.logger.Error("memory broker: failed to acquire lease",
					slog.String("job_id", msg.JobID), slog.Any("error", err))
			}
			d := &memoryDelivery{broker: b, msg: msg}

			select {
			case out <- d:
			case <-ctx.Done():
				b.putBack(msg)
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

// putBack returns an undelivered message to the head of its queue.
func (b *MemoryBroker) putBack(msg Message) {
	_ = b.leases.Release(context.Background(), msg.DispatchToken)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.enqueueLocked(msg, true)
	}
}

// IsLive reports whether token's lease is held.
func (b *MemoryBroker) IsLive(ctx context.Context, token string) (bool, error) {
	return b.leases.Alive(ctx, token)
}

// Close stops pending timers and all consumers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = nil
	close(b.done)
	return nil
}

type memoryDelivery struct {
	broker *MemoryBroker
	msg    Message
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Touch(ctx context.Context) error {
	return d.broker.leases.Renew(ctx, d.msg.DispatchToken)
}

func (d *memoryDelivery) Ack(ctx context.Context) error {
	return d.broker.leases.Release(ctx, d.msg.DispatchToken)
}

func (d *memoryDelivery) Nack(ctx context.Context, requeue bool) error {
	if err := d.broker.leases.Release(ctx, d.msg.DispatchToken); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.broker.closed {
		return fmt.Errorf("broker is %w", ErrBackendClosed)
	}
	d.broker.enqueueLocked(d.msg, false)
	return nil
}
