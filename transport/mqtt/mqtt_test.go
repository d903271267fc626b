package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/transport"
)

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{
		Broker: "tcp://localhost:1883",
		Topics: []string{"ESP32CAM/+/data"},
	})

	if tr.qos != DefaultQoS {
		t.Errorf("qos = %d, want %d", tr.qos, DefaultQoS)
	}
	if tr.cfg.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("connect timeout = %v", tr.cfg.ConnectTimeout)
	}
	if tr.cfg.PublishTimeout != defaultPublishTimeout {
		t.Errorf("publish timeout = %v", tr.cfg.PublishTimeout)
	}
	if !strings.HasPrefix(tr.ClientID(), DefaultClientIDPrefix) || len(tr.ClientID()) != len(DefaultClientIDPrefix)+8 {
		t.Errorf("generated client id = %q", tr.ClientID())
	}
}

func TestNew_GeneratedClientIDsDiffer(t *testing.T) {
	a := New(Config{}).ClientID()
	b := New(Config{}).ClientID()
	if a == b {
		t.Errorf("two transports share client id %q", a)
	}
}

func TestNew_CustomConfig(t *testing.T) {
	qos := byte(0)
	tr := New(Config{
		Broker:         "tcp://broker.example.com:1883",
		ClientID:       "gw-1",
		Topics:         []string{"ns/+/data", "ns/+/status"},
		QoS:            &qos,
		PublishTimeout: time.Second,
	})

	if tr.qos != 0 {
		t.Errorf("qos = %d, want 0", tr.qos)
	}
	if tr.ClientID() != "gw-1" {
		t.Errorf("client id = %q, want gw-1", tr.ClientID())
	}
	if tr.cfg.PublishTimeout != time.Second {
		t.Errorf("publish timeout = %v, want 1s", tr.cfg.PublishTimeout)
	}
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantUser string
		wantTLS  bool
	}{
		{"anonymous", Config{Broker: "tcp://localhost:1883"}, "", false},
		{"credentials", Config{Broker: "tcp://localhost:1883", Username: "gw", Password: "pw"}, "gw", false},
		{"tls", Config{Broker: "ssl://localhost:8883", UseTLS: true}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ClientID = "gw-test"
			opts := New(tt.cfg).clientOptions()

			if opts.ClientID != "gw-test" {
				t.Errorf("ClientID = %q", opts.ClientID)
			}
			if len(opts.Servers) != 1 || opts.Servers[0].Host == "" {
				t.Errorf("Servers = %v", opts.Servers)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", opts.Username, tt.wantUser)
			}
			if (opts.TLSConfig != nil) != tt.wantTLS {
				t.Errorf("TLSConfig set = %v, want %v", opts.TLSConfig != nil, tt.wantTLS)
			}
			if !opts.AutoReconnect || !opts.CleanSession {
				t.Error("expected auto reconnect with a clean session")
			}
		})
	}
}

func TestStart_Validation(t *testing.T) {
	qos3 := byte(3)
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing broker", Config{Topics: []string{"ns/+/data"}}, "broker"},
		{"missing topics", Config{Broker: "tcp://localhost:1883"}, "topic"},
		{"invalid qos", Config{Broker: "tcp://localhost:1883", Topics: []string{"x"}, QoS: &qos3}, "QoS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.cfg).Start(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Start() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestPublish_NotConnected(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	tr := New(Config{
		Broker: "tcp://localhost:1883",
		Topics: []string{"ns/+/data"},
		Scope:  scope,
	})

	err := tr.Publish("ns/AABB/ack", []byte(`{}`))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	found := false
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == "mqtt.publish_failed" && c.Tags()["reason"] == "not_connected" {
			found = c.Value() == 1
		}
	}
	if !found {
		t.Error("expected mqtt.publish_failed{reason=not_connected} = 1")
	}
}

func TestIsConnected_Default(t *testing.T) {
	if New(Config{Broker: "tcp://localhost:1883"}).IsConnected() {
		t.Error("expected not connected initially")
	}
}

func TestStop_BeforeStart(t *testing.T) {
	if err := New(Config{}).Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestDispatch(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	tr := New(Config{Broker: "tcp://localhost:1883", Scope: scope})

	// No handler installed: must not panic.
	tr.dispatch("ns/A/data", []byte("x"))

	var gotTopic string
	var gotPayload []byte
	tr.SetMessageHandler(func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	})
	tr.dispatch("ns/A/data", []byte("hello"))

	if gotTopic != "ns/A/data" || string(gotPayload) != "hello" {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}

	counts := map[string]int64{}
	for _, c := range scope.Snapshot().Counters() {
		counts[c.Name()] = c.Value()
	}
	if counts["mqtt.received"] != 2 || counts["mqtt.unhandled"] != 1 {
		t.Errorf("counters = %v", counts)
	}
}

func TestNotify(t *testing.T) {
	tr := New(Config{})
	tr.notify(transport.EventConnected) // no handler installed

	var events []transport.Event
	tr.SetStateHandler(func(_ transport.Transport, ev transport.Event) {
		events = append(events, ev)
	})
	tr.onReconnecting(nil, nil)
	tr.onConnectionLost(nil, errors.New("eof"))

	if len(events) != 2 || events[0] != transport.EventReconnecting || events[1] != transport.EventDisconnected {
		t.Errorf("events = %v", events)
	}
	if tr.IsConnected() {
		t.Error("expected disconnected after connection lost")
	}
}
