// Package mqttclient wraps the broker connection used for both ingress
// (device subscriptions) and egress (server-initiated publishes). It adds automatic reconnect via autopaho, a circuit breaker
// around publish, and an offline buffer that replays missed publishes
// once the breaker closes again.
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/Auto-one-Family/kaiser-core/internal/breaker"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/offlinebuf"
	"github.com/Auto-one-Family/kaiser-core/internal/topics"
)

// TLSConfig controls optional TLS/mTLS for the broker connection.
type TLSConfig struct {
	Enabled    bool
	CAFile     string
	CertFile   string
	KeyFile    string
	SkipVerify bool
}

// Config controls the broker connection.
type Config struct {
	Broker             string // e.g. "tcp://broker:1883" or "ssl://broker:8883"
	ClientID           string
	Username           string
	Password           string
	TLS                TLSConfig
	KeepAliveSec       uint16
	ConnectTimeout     time.Duration
	OfflineBufCapacity int
	KaiserID           string
	// Breaker overrides the publish breaker's trip/reset defaults. The
	// instance name is always "mqtt_publish".
	Breaker breaker.Config
}

// Handler processes one inbound message. Returning an error only logs —
// dispatch-level retry/backoff is out of scope for the transport layer.
type Handler func(topic string, payload []byte)

// Client manages the broker connection lifecycle and publish path.
type Client struct {
	cfg     Config
	codec   *topics.Codec
	logger  *slog.Logger
	br      *breaker.Breaker[struct{}]
	buf     *offlinebuf.Buffer
	handler Handler

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Client but does not connect. Call Start to begin.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	brCfg := cfg.Breaker
	brCfg.Name = "mqtt_publish"
	return &Client{
		cfg:    cfg,
		codec:  topics.New(cfg.KaiserID),
		logger: logger,
		br:     breaker.New[struct{}](brCfg, logger),
		buf:    offlinebuf.New(cfg.OfflineBufCapacity),
	}
}

// Codec returns the topic codec bound to this client's kaiser namespace.
func (c *Client) Codec() *topics.Codec {
	return c.codec
}

// SetHandler registers the callback invoked for every inbound message
// matching one of topics.AllPatterns(). Must be called before Start.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Start connects to the broker and blocks until ctx is cancelled.
// autopaho retries the underlying TCP/TLS connection indefinitely; on
// every (re-)connect the server re-subscribes to the full pattern set and
// replays anything queued in the offline buffer.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return kerrors.Wrap(kerrors.KindConfiguration, "parse mqtt broker url", err)
	}

	statusTopic := "kaiser/" + c.codec.KaiserID() + "/status"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       nonZeroU16(c.cfg.KeepAliveSec, 30),
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.publishStatus(pubCtx, cm, "online")
			c.subscribeAll(pubCtx, cm)
			c.replayOffline(pubCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
		},
	}

	if c.cfg.TLS.Enabled || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "tls" {
		tlsCfg, err := buildTLSConfig(c.cfg.TLS)
		if err != nil {
			return kerrors.Wrap(kerrors.KindConfiguration, "build tls config", err)
		}
		if tlsCfg.InsecureSkipVerify {
			c.logger.Warn("mqtt tls certificate verification DISABLED — the broker's identity is not checked; do not run production traffic this way")
		}
		pahoCfg.TlsCfg = tlsCfg
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return kerrors.Wrap(kerrors.KindConfiguration, "mqtt connect", err)
	}
	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, nonZeroDuration(c.cfg.ConnectTimeout, 30*time.Second))
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes an offline status and disconnects.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	c.publishStatus(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up, used by the
// scheduler's broker-health probe job.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends a message with the given QoS, routing through the
// circuit breaker. If the breaker is open the message is appended to the
// offline buffer instead of being dropped.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		c.buf.Push(offlinebuf.Entry{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
		return kerrors.New(kerrors.KindMQTTPublishFailure, "mqtt client not connected, buffered")
	}

	_, err := c.br.Execute(ctx, func() (struct{}, error) {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		})
		return struct{}{}, err
	})
	if err != nil {
		c.buf.Push(offlinebuf.Entry{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
		return kerrors.Wrap(kerrors.KindMQTTPublishFailure, "publish failed, buffered for replay", err)
	}
	return nil
}

func (c *Client) dispatch(topic string, payload []byte) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mqtt handler panicked", "topic", topic, "panic", r)
		}
	}()
	c.handler(topic, payload)
}

func (c *Client) subscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := c.codec.AllPatterns()
	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, s := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: s.Pattern, QoS: s.QoS})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt subscribe failed", "error", err, "count", len(opts))
		return
	}
	c.logger.Info("mqtt subscribed", "count", len(opts))
}

func (c *Client) replayOffline(ctx context.Context, cm *autopaho.ConnectionManager) {
	entries := c.buf.Drain()
	if len(entries) == 0 {
		return
	}
	c.logger.Info("replaying buffered publishes", "count", len(entries))
	for _, e := range entries {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   e.Topic,
			Payload: e.Payload,
			QoS:     e.QoS,
			Retain:  e.Retain,
		}); err != nil {
			c.logger.Warn("replay publish failed, re-buffering", "topic", e.Topic, "error", err)
			c.buf.Push(e)
		}
	}
}

func (c *Client) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	topic := "kaiser/" + c.codec.KaiserID() + "/status"
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("status publish failed", "status", status, "error", err)
	}
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify,
	}

	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse ca file: no valid certificates found")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

func nonZeroU16(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
