package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchRoutesToFirstMatch(t *testing.T) {
	d := New(Config{Workers: 2}, nil)
	defer d.Stop()

	var calledGeneric, calledSpecific atomic.Bool
	d.Register("kaiser/+/esp/+/sensor/+/data", func(ctx context.Context, topic string, payload []byte) error {
		calledGeneric.Store(true)
		return nil
	}, nil)
	d.Register("kaiser/god/esp/ESP1/sensor/+/data", func(ctx context.Context, topic string, payload []byte) error {
		calledSpecific.Store(true)
		return nil
	}, nil)

	d.Dispatch("kaiser/god/esp/ESP1/sensor/34/data", []byte(`{}`))
	waitFor(t, func() bool { return calledGeneric.Load() })
	if calledSpecific.Load() {
		t.Error("second registration should not have fired: first match wins")
	}
}

func TestDispatchDropsMalformedJSON(t *testing.T) {
	d := New(Config{Workers: 1}, nil)
	defer d.Stop()

	var called atomic.Bool
	d.Register("kaiser/+/esp/+/heartbeat", func(ctx context.Context, topic string, payload []byte) error {
		called.Store(true)
		return nil
	}, nil)

	d.Dispatch("kaiser/god/esp/ESP1/heartbeat", []byte(`not json`))
	time.Sleep(20 * time.Millisecond)
	if called.Load() {
		t.Error("handler should not run for malformed payload")
	}
	if d.Malformed() != 1 {
		t.Errorf("Malformed() = %d, want 1", d.Malformed())
	}
}

func TestDispatchOrdersPerKey(t *testing.T) {
	d := New(Config{Workers: 8}, nil)

	var mu sync.Mutex
	var order []int
	keyFn := func(topic string) string { return "ESP1/34" }

	d.Register("kaiser/+/esp/+/sensor/+/data", func(ctx context.Context, topic string, payload []byte) error {
		mu.Lock()
		order = append(order, len(order))
		mu.Unlock()
		return nil
	}, keyFn)

	for i := 0; i < 20; i++ {
		d.Dispatch("kaiser/god/esp/ESP1/sensor/34/data", []byte(`{}`))
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("got %d handler calls, want 20", len(order))
	}
}

func TestHandlerPanicRecoveredAsFailure(t *testing.T) {
	d := New(Config{Workers: 1}, nil)
	defer d.Stop()

	d.Register("kaiser/+/esp/+/heartbeat", func(ctx context.Context, topic string, payload []byte) error {
		panic("boom")
	}, nil)

	d.Dispatch("kaiser/god/esp/ESP1/heartbeat", []byte(`{}`))
	waitFor(t, func() bool {
		stats := d.Stats()
		return len(stats) == 1 && stats[0].Failure == 1
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
