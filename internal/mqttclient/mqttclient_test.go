package mqttclient

import (
	"context"
	"testing"
)

func TestPublishWithoutConnectionBuffers(t *testing.T) {
	c := New(Config{Broker: "tcp://localhost:1883", KaiserID: "god", OfflineBufCapacity: 10}, nil)

	err := c.Publish(context.Background(), "kaiser/god/esp/ESP1/sensor/34/processed", []byte("{}"), 1, false)
	if err == nil {
		t.Fatal("expected error when publishing without a connection")
	}
	if c.buf.Len() != 1 {
		t.Errorf("offline buffer len = %d, want 1", c.buf.Len())
	}
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	c := New(Config{Broker: "tcp://localhost:1883", KaiserID: "god"}, nil)
	c.SetHandler(func(topic string, payload []byte) {
		panic("boom")
	})

	// dispatch must not propagate the panic to the caller.
	c.dispatch("kaiser/god/esp/ESP1/heartbeat", []byte("{}"))
}

func TestBuildTLSConfigDefaults(t *testing.T) {
	cfg, err := buildTLSConfig(TLSConfig{Enabled: true})
	if err != nil {
		t.Fatalf("buildTLSConfig() error = %v", err)
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should default to false")
	}
}

func TestBuildTLSConfigMissingCertFile(t *testing.T) {
	_, err := buildTLSConfig(TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"})
	if err == nil {
		t.Fatal("expected error for missing ca file")
	}
}
