// Package dispatch implements the Subscriber & Dispatch stage: receive raw (topic, payload) callbacks from the MQTT transport
// and route each to the first registered handler whose pattern matches,
// on a bounded worker pool, with best-effort per-(device, gpio) ordering
// and per-handler success/failure counters.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Auto-one-Family/kaiser-core/internal/metrics"
	"github.com/Auto-one-Family/kaiser-core/internal/topics"
)

// Handler processes one decoded message. The returned error is recorded
// against the handler's failure counter; it does not propagate further
// — the worker boundary is where failures stop propagating.
type Handler func(ctx context.Context, topic string, payload []byte) error

// KeyFunc extracts the ordering key (typically "deviceId/gpio") from a
// topic, used to serialize handler calls that must preserve order.
// A zero-value return disables per-message ordering (handled by a worker
// chosen at random from the pool).
type KeyFunc func(topic string) string

type registration struct {
	pattern string
	handler Handler
	keyFn   KeyFunc

	success atomic.Int64
	failure atomic.Int64
}

// Counters reports one handler's cumulative success/failure counts.
type Counters struct {
	Pattern string
	Success int64
	Failure int64
}

// Dispatcher owns the ordered handler table and the bounded worker pool.
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	regs  []*registration

	jobs chan job

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	wg sync.WaitGroup

	dropped   atomic.Int64
	malformed atomic.Int64
}

type job struct {
	topic   string
	payload []byte
	reg     *registration
	key     string
}

// Config controls worker pool sizing.
type Config struct {
	// Workers is the number of goroutines pulling from the job queue.
	// Default 10.
	Workers int
	// QueueDepth is the job channel's buffer size. Default 256.
	QueueDepth int
}

// New creates a Dispatcher and starts its worker pool. Call Stop to drain
// and shut the pool down.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		logger: logger,
		jobs:   make(chan job, cfg.QueueDepth),
		keys:   make(map[string]*sync.Mutex),
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Register adds a handler for pattern. Registration order is preserved;
// Dispatch routes to the first registration whose pattern matches a given
// topic. keyFn may be nil to disable key-based
// ordering for this handler.
func (d *Dispatcher) Register(pattern string, h Handler, keyFn KeyFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs = append(d.regs, &registration{pattern: pattern, handler: h, keyFn: keyFn})
}

// Dispatch is the MQTT transport's message callback. It validates the
// payload is well-formed JSON, finds the first matching handler, and
// submits the call to the worker pool. Never blocks the caller beyond
// enqueueing (the queue itself provides backpressure).
func (d *Dispatcher) Dispatch(topic string, payload []byte) {
	if !json.Valid(payload) {
		d.malformed.Add(1)
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		d.logger.Warn("dropping message with invalid json payload", "topic", topic)
		return
	}

	reg := d.match(topic)
	if reg == nil {
		d.dropped.Add(1)
		metrics.MessagesDropped.WithLabelValues("no_handler").Inc()
		d.logger.Debug("no handler matched topic", "topic", topic)
		return
	}

	var key string
	if reg.keyFn != nil {
		key = reg.keyFn(topic)
	}

	select {
	case d.jobs <- job{topic: topic, payload: payload, reg: reg, key: key}:
	default:
		d.dropped.Add(1)
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		d.logger.Warn("dispatch queue full, dropping message", "topic", topic)
	}
}

func (d *Dispatcher) match(topic string) *registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.regs {
		if topics.Match(r.pattern, topic) {
			return r
		}
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	if j.key != "" {
		km := d.keyMutex(j.key)
		km.Lock()
		defer km.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			j.reg.failure.Add(1)
			metrics.MessagesDispatched.WithLabelValues(j.reg.pattern, "panic").Inc()
			d.logger.Error("handler panicked", "topic", j.topic, "panic", r)
		}
	}()

	if err := j.reg.handler(context.Background(), j.topic, j.payload); err != nil {
		j.reg.failure.Add(1)
		metrics.MessagesDispatched.WithLabelValues(j.reg.pattern, "failure").Inc()
		d.logger.Warn("handler failed", "topic", j.topic, "error", err)
		return
	}
	j.reg.success.Add(1)
	metrics.MessagesDispatched.WithLabelValues(j.reg.pattern, "success").Inc()
}

func (d *Dispatcher) keyMutex(key string) *sync.Mutex {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	m, ok := d.keys[key]
	if !ok {
		m = &sync.Mutex{}
		d.keys[key] = m
	}
	return m
}

// Stop closes the job queue and waits for in-flight handlers to finish.
func (d *Dispatcher) Stop() {
	close(d.jobs)
	d.wg.Wait()
}

// Stats returns per-handler success/failure counters in registration order.
func (d *Dispatcher) Stats() []Counters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Counters, len(d.regs))
	for i, r := range d.regs {
		out[i] = Counters{Pattern: r.pattern, Success: r.success.Load(), Failure: r.failure.Load()}
	}
	return out
}

// Dropped reports the cumulative number of messages dropped for queue
// overflow or no matching handler.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Malformed reports the cumulative number of messages dropped for
// invalid JSON payloads.
func (d *Dispatcher) Malformed() int64 { return d.malformed.Load() }
