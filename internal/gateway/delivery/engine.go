package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/breaker"
	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// Config tunes the delivery engine.
type Config struct {
	// MaxDrainBatch bounds how many durable events one reconnect loads.
	MaxDrainBatch int
	// PaceDelay is the fixed delay between queued-event sends, protecting
	// slow client buffers from a reconnect burst.
	PaceDelay time.Duration
	// StorageTimeout bounds every storage port call.
	StorageTimeout time.Duration
	// DeliveredRetention is how long delivered durable copies are kept.
	DeliveredRetention time.Duration
	// AbandonedRetention is how long never-delivered events are kept.
	AbandonedRetention time.Duration
	// VolatileTTL bounds how long an untouched volatile list may live.
	VolatileTTL time.Duration
	// SweepInterval is the period of the maintenance loop.
	SweepInterval time.Duration
	// OnDrain, when set, observes every non-empty drain.
	OnDrain func(delivered int, elapsed time.Duration)
}

// Engine merges the volatile in-process queue with the durable store and
// drains both, ordered and deduplicated, to a freshly reconnected
// principal. The durable copy is written before the originating request
// is acknowledged; the volatile copy is purely a latency optimization.
type Engine struct {
	mu       sync.Mutex
	volatile map[string]*volatileList

	store Store
	cb    *breaker.CircuitBreaker
	cfg   Config

	// interest reports whether this process still holds any record of the
	// principal; enqueue only keeps a volatile copy for those.
	interest func(principal string) bool

	logger *zap.Logger
}

type volatileList struct {
	events  []Event
	touched time.Time
}

// NewEngine creates a delivery engine over the given durable store.
func NewEngine(store Store, cb *breaker.CircuitBreaker, cfg Config, interest func(string) bool, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDrainBatch <= 0 {
		cfg.MaxDrainBatch = 500
	}
	if interest == nil {
		interest = func(string) bool { return false }
	}
	return &Engine{
		volatile: make(map[string]*volatileList),
		store:    store,
		cb:       cb,
		cfg:      cfg,
		interest: interest,
		logger:   logger,
	}
}

// Enqueue records an event for a (possibly unreachable) principal. The
// durable write must succeed before the caller's request is acknowledged;
// a storage failure here is surfaced, never swallowed. Enqueueing for a
// principal with no local session is valid: they may reconnect to a
// different worker, which will only ever see the durable copy.
func (e *Engine) Enqueue(ctx context.Context, principal, eventType string, payload []byte) (Event, error) {
	createdAt := time.Now()

	var id string
	err := e.withStore(ctx, func(ctx context.Context) error {
		var perr error
		id, perr = e.store.PersistEvent(ctx, principal, eventType, payload, createdAt)
		return perr
	})
	if err != nil {
		e.logger.Error("durable enqueue failed",
			zap.String("principal", principal),
			zap.String("type", eventType),
			zap.Error(err))
		return Event{}, err
	}

	event := Event{
		DeliveryID: id,
		Principal:  principal,
		Type:       eventType,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  createdAt,
	}

	e.mu.Lock()
	list, ok := e.volatile[principal]
	if !ok && e.interest(principal) {
		list = &volatileList{}
		e.volatile[principal] = list
	}
	if list != nil {
		list.events = append(list.events, event)
		list.touched = time.Now()
	}
	e.mu.Unlock()

	return event, nil
}

// Drain delivers all pending events for the principal over the channel,
// one at a time with pacing, marking each durable copy delivered after a
// successful send. A channel that closes mid-drain stops the loop;
// unmarked events stay queued for the next reconnect, which is what makes
// delivery at-least-once rather than exactly-once.
func (e *Engine) Drain(ctx context.Context, principal string, ch transport.Channel) (int, error) {
	// Take and clear the volatile list; empty after a restart or when the
	// principal first appears on this worker.
	e.mu.Lock()
	var local []Event
	if list, ok := e.volatile[principal]; ok {
		local = list.events
		delete(e.volatile, principal)
	}
	e.mu.Unlock()

	var durable []Event
	err := e.withStore(ctx, func(ctx context.Context) error {
		var lerr error
		durable, lerr = e.store.LoadUndelivered(ctx, principal, e.cfg.MaxDrainBatch)
		return lerr
	})
	if err != nil {
		// Put the volatile events back; the durable queue is intact and a
		// later reconnect retries the whole drain.
		e.restoreVolatile(principal, local)
		return 0, err
	}

	pending := mergePending(local, durable)
	if len(pending) == 0 {
		return 0, nil
	}

	e.logger.Info("draining queued events",
		zap.String("principal", principal),
		zap.Int("volatile", len(local)),
		zap.Int("durable", len(durable)),
		zap.Int("merged", len(pending)))

	start := time.Now()
	delivered := 0
	if e.cfg.OnDrain != nil {
		defer func() { e.cfg.OnDrain(delivered, time.Since(start)) }()
	}
	for i, event := range pending {
		if i > 0 && e.cfg.PaceDelay > 0 {
			select {
			case <-time.After(e.cfg.PaceDelay):
			case <-ctx.Done():
				return delivered, nil
			}
		}

		payload, err := event.Encode()
		if err != nil {
			e.logger.Error("failed to encode queued event",
				zap.String("delivery_id", event.DeliveryID),
				zap.Error(err))
			continue
		}
		if err := ch.Send(payload); err != nil {
			// Client went away again; everything unmarked stays queued.
			e.logger.Debug("drain interrupted",
				zap.String("principal", principal),
				zap.Int("delivered", delivered),
				zap.Error(err))
			return delivered, nil
		}
		delivered++

		id := event.DeliveryID
		if err := e.withStore(ctx, func(ctx context.Context) error {
			return e.store.MarkDelivered(ctx, []string{id})
		}); err != nil {
			// Best-effort: the event reached the client; a failed mark
			// only risks a duplicate on the next reconnect.
			e.logger.Warn("failed to mark event delivered",
				zap.String("delivery_id", id),
				zap.Error(err))
		}
	}

	return delivered, nil
}

// Ack marks a single event delivered outside a drain, used after a
// successful live send to an online principal. Best-effort: a failed
// mark only risks a duplicate on the next drain.
func (e *Engine) Ack(ctx context.Context, deliveryID string) {
	e.mu.Lock()
	for principal, list := range e.volatile {
		for i, ev := range list.events {
			if ev.DeliveryID == deliveryID {
				list.events = append(list.events[:i], list.events[i+1:]...)
				break
			}
		}
		if len(list.events) == 0 {
			delete(e.volatile, principal)
		}
	}
	e.mu.Unlock()

	if err := e.withStore(ctx, func(ctx context.Context) error {
		return e.store.MarkDelivered(ctx, []string{deliveryID})
	}); err != nil {
		e.logger.Warn("failed to ack delivered event",
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
	}
}

// PendingVolatile returns how many volatile events are queued locally,
// for the stats endpoint.
func (e *Engine) PendingVolatile() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, list := range e.volatile {
		total += len(list.events)
	}
	return total
}

// Sweep performs periodic maintenance: delivered durable copies past the
// retention threshold are purged, never-delivered copies past a much
// longer threshold are treated as abandoned, and stale volatile lists are
// dropped to bound process memory.
func (e *Engine) Sweep(ctx context.Context) {
	now := time.Now()

	if err := e.withStore(ctx, func(ctx context.Context) error {
		_, perr := e.store.PurgeDelivered(ctx, now.Add(-e.cfg.DeliveredRetention))
		return perr
	}); err != nil {
		e.logger.Warn("delivered purge failed", zap.Error(err))
	}

	if err := e.withStore(ctx, func(ctx context.Context) error {
		_, perr := e.store.PurgeAbandoned(ctx, now.Add(-e.cfg.AbandonedRetention))
		return perr
	}); err != nil {
		e.logger.Warn("abandoned purge failed", zap.Error(err))
	}

	e.mu.Lock()
	dropped := 0
	for principal, list := range e.volatile {
		if now.Sub(list.touched) > e.cfg.VolatileTTL {
			delete(e.volatile, principal)
			dropped++
		}
	}
	e.mu.Unlock()

	if dropped > 0 {
		e.logger.Debug("dropped stale volatile queues", zap.Int("count", dropped))
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// withStore runs a storage call under the circuit breaker and call
// timeout, normalizing every failure to ErrStorageUnavailable.
func (e *Engine) withStore(ctx context.Context, fn func(context.Context) error) error {
	err := e.cb.Execute(ctx, e.cfg.StorageTimeout, fn)
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// restoreVolatile puts taken events back at the head of the list after a
// failed drain, preserving creation order.
func (e *Engine) restoreVolatile(principal string, events []Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	list, ok := e.volatile[principal]
	if !ok {
		list = &volatileList{}
		e.volatile[principal] = list
	}
	list.events = append(events, list.events...)
	list.touched = time.Now()
}

// mergePending combines the volatile and durable views of the queue.
// Events present in both (same delivery ID) keep the durable record,
// which is authoritative for ordering after a restart; the result is
// sorted by creation time ascending.
func mergePending(local, durable []Event) []Event {
	seen := make(map[string]struct{}, len(durable))
	merged := make([]Event, 0, len(local)+len(durable))
	for _, event := range durable {
		seen[event.DeliveryID] = struct{}{}
		merged = append(merged, event)
	}
	for _, event := range local {
		if _, dup := seen[event.DeliveryID]; dup {
			continue
		}
		merged = append(merged, event)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}
