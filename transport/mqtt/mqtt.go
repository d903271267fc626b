// Package mqtt provides an MQTT transport for talking to camera devices.
//
// Devices publish JSON messages to "{namespace}/{device}/{channel}" topics.
// The transport subscribes to a configured set of topic filters, usually the
// single-level wildcard patterns for the data, status and ack channels, and
// re-subscribes after every reconnect since sessions are clean.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultQoS is the delivery guarantee for subscriptions and publishes.
	DefaultQoS = 1
	// DefaultClientIDPrefix prefixes generated client identifiers.
	DefaultClientIDPrefix = "camgate-"

	defaultConnectTimeout = 30 * time.Second
	defaultPublishTimeout = 10 * time.Second
	keepAlive             = 60 * time.Second
	disconnectQuiesce     = 1000 // ms
)

var (
	// ErrNotConnected is returned by Publish while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrPublishTimeout is returned when the broker does not confirm a
	// publish within PublishTimeout.
	ErrPublishTimeout = errors.New("mqtt: publish timed out")
	// ErrConnectTimeout is returned by Start when the first connection is
	// not established within ConnectTimeout.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")
)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username and Password for broker authentication. Leave empty if not
	// required.
	Username string
	Password string
	// UseTLS verifies the broker certificate and requires TLS 1.2+.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, one is generated.
	ClientID string
	// Topics are the topic filters to subscribe to on every connect.
	Topics []string
	// QoS for subscriptions and publishes (default: 1).
	QoS *byte
	// ConnectTimeout bounds the initial connection (default: 30s).
	ConnectTimeout time.Duration
	// PublishTimeout bounds each publish (default: 10s).
	PublishTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Scope receives transport counters. If nil, metrics are discarded.
	Scope tally.Scope
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg   Config
	qos   byte
	log   *slog.Logger
	scope tally.Scope

	mu        sync.RWMutex
	client    paho.Client
	connected bool
	onMessage transport.MessageHandler
	onState   transport.StateHandler
}

// New creates a new MQTT transport with the given configuration. It does
// not connect until Start is called.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientIDPrefix + uuid.NewString()[:8]
	}
	qos := byte(DefaultQoS)
	if cfg.QoS != nil {
		qos = *cfg.QoS
	}

	return &Transport{
		cfg:   cfg,
		qos:   qos,
		log:   cfg.Logger.WithGroup("mqtt"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("mqtt"),
	}
}

// ClientID returns the identifier used with the broker.
func (t *Transport) ClientID() string {
	return t.cfg.ClientID
}

func (t *Transport) validate() error {
	switch {
	case t.cfg.Broker == "":
		return errors.New("mqtt: broker URL is required")
	case len(t.cfg.Topics) == 0:
		return errors.New("mqtt: at least one topic filter is required")
	case t.qos > 2:
		return fmt.Errorf("mqtt: invalid QoS %d", t.qos)
	}
	return nil
}

// clientOptions builds the paho options. Reconnects are automatic and the
// session is clean, so subscriptions are restored in onConnected.
func (t *Transport) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(keepAlive).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Start connects to the broker. It returns once the first connection is up,
// or with an error if that fails within ConnectTimeout. Later disconnects
// are retried in the background.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.validate(); err != nil {
		return err
	}

	client := paho.NewClient(t.clientOptions())
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.log.Info("connecting", "broker", t.cfg.Broker, "client_id", t.cfg.ClientID)
	token := client.Connect()

	timer := time.NewTimer(t.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		client.Disconnect(0)
		return fmt.Errorf("%w after %s", ErrConnectTimeout, t.cfg.ConnectTimeout)
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", t.cfg.Broker, err)
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight work a short grace
// period.
func (t *Transport) Stop() error {
	t.mu.Lock()
	client := t.client
	t.connected = false
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
		t.scope.Gauge("connected").Update(0)
	}
	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnectionOpen()
}

// SetMessageHandler sets the callback for incoming messages.
func (t *Transport) SetMessageHandler(fn transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// Publish sends payload to topic with the configured QoS and no retain flag.
// With QoS 1 or 2 it waits for the broker's confirmation.
func (t *Transport) Publish(topic string, payload []byte) error {
	if !t.IsConnected() {
		t.publishFailed("not_connected")
		return ErrNotConnected
	}
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()

	token := client.Publish(topic, t.qos, false, payload)
	if !token.WaitTimeout(t.cfg.PublishTimeout) {
		t.publishFailed("timeout")
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		t.publishFailed("error")
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	t.scope.Counter("published").Inc(1)
	return nil
}

func (t *Transport) publishFailed(reason string) {
	t.scope.Tagged(map[string]string{"reason": reason}).Counter("publish_failed").Inc(1)
}

func (t *Transport) subscribe(client paho.Client) {
	filters := make(map[string]byte, len(t.cfg.Topics))
	for _, f := range t.cfg.Topics {
		filters[f] = t.qos
	}
	token := client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		t.dispatch(m.Topic(), m.Payload())
	})
	go func() {
		if !token.WaitTimeout(t.cfg.ConnectTimeout) {
			t.log.Error("subscribe timed out", "topics", t.cfg.Topics)
			return
		}
		if err := token.Error(); err != nil {
			t.log.Error("subscribe failed", "topics", t.cfg.Topics, "error", err)
			return
		}
		t.log.Info("subscribed", "topics", t.cfg.Topics, "qos", t.qos)
	}()
}

func (t *Transport) dispatch(topic string, payload []byte) {
	t.scope.Counter("received").Inc(1)

	t.mu.RLock()
	fn := t.onMessage
	t.mu.RUnlock()

	if fn == nil {
		t.scope.Counter("unhandled").Inc(1)
		return
	}
	fn(topic, payload)
}

func (t *Transport) notify(ev transport.Event) {
	t.mu.RLock()
	fn := t.onState
	t.mu.RUnlock()
	if fn != nil {
		fn(t, ev)
	}
}

func (t *Transport) onConnected(client paho.Client) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.scope.Gauge("connected").Update(1)
	t.log.Info("connected", "broker", t.cfg.Broker)
	t.subscribe(client)
	t.notify(transport.EventConnected)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	t.scope.Gauge("connected").Update(0)
	t.scope.Counter("disconnects").Inc(1)
	t.log.Warn("connection lost, will reconnect", "error", err)
	t.notify(transport.EventDisconnected)
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.log.Info("reconnecting", "broker", t.cfg.Broker)
	t.notify(transport.EventReconnecting)
}
