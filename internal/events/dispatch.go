package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrDispatchExhausted = errors.New("dispatch exhausted")

const DefaultMaxAttempts = 5

// Bus is the outbound event transport. Publish reports the count of entries
// the bus rejected inside an otherwise successful call; a transport-level
// failure is returned as an error.
type Bus interface {
	Publish(ctx context.Context, entries []CanonicalEvent) (failedCount int, err error)
}

type DispatchError struct {
	Attempts int
	LastErr  error
}

func (e *DispatchError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("dispatch exhausted after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("dispatch exhausted after %d attempts", e.Attempts)
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatchExhausted
}

func (e *DispatchError) Unwrap() error {
	return e.LastErr
}

type DispatcherOptions struct {
	MaxAttempts int
	// RetryDelay is the pause between attempts. The default is none: the
	// budget is fixed and retries are immediate.
	RetryDelay time.Duration
}

type Dispatcher struct {
	bus         Bus
	maxAttempts int
	retryDelay  time.Duration
}

func NewDispatcher(bus Bus) *Dispatcher {
	return NewDispatcherWithOptions(bus, DispatcherOptions{})
}

func NewDispatcherWithOptions(bus Bus, opts DispatcherOptions) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Dispatcher{
		bus:         bus,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
}

// Dispatch submits the batch to the bus, retrying up to the attempt budget.
// An attempt fails when the transport errors or the bus rejects any entry.
// The call blocks for the duration of all attempts; callers needing a
// deadline wrap ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, entries []CanonicalEvent) error {
	if len(entries) == 0 {
		return nil
	}
	var lastErr error
	attempts := 0
	for attempts < d.maxAttempts {
		attempts++
		failed, err := d.bus.Publish(ctx, entries)
		if err == nil && failed == 0 {
			observeDispatch("success", attempts)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("bus rejected %d entries", failed)
		}
		if attempts < d.maxAttempts && d.retryDelay > 0 {
			select {
			case <-ctx.Done():
				attempts = d.maxAttempts
			case <-time.After(d.retryDelay):
			}
		}
	}
	observeDispatch("exhausted", attempts)
	log.Printf("failed to dispatch event batch after %d attempts: %v\n%s", attempts, lastErr, prettyEntries(entries))
	return &DispatchError{Attempts: attempts, LastErr: lastErr}
}

// DispatchWebhook classifies, maps, and dispatches an inbound webhook. A
// classified platform that cannot be mapped is surfaced immediately rather
// than swallowed.
func (d *Dispatcher) DispatchWebhook(ctx context.Context, envelope Envelope) (CanonicalEvent, error) {
	classification, err := Classify(envelope)
	if err != nil {
		observeDispatch("unsupported", 0)
		return CanonicalEvent{}, err
	}
	event, err := MapToCanonical(classification, envelope, time.Now())
	if err != nil {
		return CanonicalEvent{}, err
	}
	if err := d.Dispatch(ctx, []CanonicalEvent{event}); err != nil {
		return CanonicalEvent{}, err
	}
	return event, nil
}

func prettyEntries(entries []CanonicalEvent) string {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", entries)
	}
	return string(data)
}

// MemoryBus buffers published entries in memory. It backs local runs and is
// the zero-infrastructure default.
type MemoryBus struct {
	mu      sync.Mutex
	entries []CanonicalEvent
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, entries []CanonicalEvent) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
	return 0, nil
}

func (b *MemoryBus) Entries() []CanonicalEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CanonicalEvent(nil), b.entries...)
}

var dispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_dispatch_total",
		Help: "Total number of webhook dispatch outcomes.",
	},
	[]string{"result"},
)

var dispatchAttempts = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "webhook_dispatch_attempts",
		Help:    "Attempts used per dispatch.",
		Buckets: []float64{1, 2, 3, 4, 5},
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(dispatchAttempts)
}

func observeDispatch(result string, attempts int) {
	dispatchTotal.WithLabelValues(result).Inc()
	if attempts > 0 {
		dispatchAttempts.WithLabelValues(result).Observe(float64(attempts))
	}
}
