// Package gateway routes device traffic and runs the gateway's background
// loops.
//
// The Gateway sits between the pub/sub transport and the device handlers.
// Every received message is parsed as "{namespace}/{device}/{channel}" and
// dispatched by channel:
//   - data: announcements and chunks, to the data handler
//   - status: heartbeats, to the status handler
//   - ack: logged at debug level only
//
// Messages on other namespaces, unknown channels, or malformed topics are
// dropped. Every routed message refreshes the device's presence.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/transport"
)

// ErrNoTransport is returned by Run when no transport is configured.
var ErrNoTransport = errors.New("gateway: no transport configured")

// DataHandler processes data-channel messages.
type DataHandler interface {
	HandleData(ctx context.Context, topic transfer.Topic, body []byte)
}

// StatusHandler processes status-channel messages.
type StatusHandler interface {
	HandleStatus(ctx context.Context, topic transfer.Topic, body []byte)
}

// PresenceTracker is notified of every routed message.
type PresenceTracker interface {
	Seen(ctx context.Context, id transfer.DeviceID)
}

// Loop is a background activity with the Start/Stop lifecycle. Start blocks
// until the context is cancelled or Stop is called.
type Loop interface {
	Start(ctx context.Context)
	Stop()
}

// Config configures a Gateway.
type Config struct {
	// Namespace is the first topic segment. Default: transfer.DefaultNamespace.
	Namespace string

	Transport transport.Transport
	Data      DataHandler
	Status    StatusHandler

	// Presence may be nil.
	Presence PresenceTracker

	// Loops are started after the transport connects and stopped before it
	// disconnects.
	Loops []Loop

	// Logger for routing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger

	Scope tally.Scope
}

// Gateway routes inbound messages to handlers.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	scope    tally.Scope
	counters Counters
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Namespace == "" {
		cfg.Namespace = transfer.DefaultNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("gateway"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("gateway"),
	}
}

// Subscriptions returns the topic filters the transport must subscribe to.
func (g *Gateway) Subscriptions() []string {
	return Subscriptions(g.cfg.Namespace)
}

// Subscriptions returns the topic filters for namespace.
func Subscriptions(namespace string) []string {
	return []string{
		transfer.Pattern(namespace, transfer.ChannelData),
		transfer.Pattern(namespace, transfer.ChannelStatus),
		transfer.Pattern(namespace, transfer.ChannelAck),
	}
}

// Counters returns the routing counters.
func (g *Gateway) Counters() *Counters {
	return &g.counters
}

// HandleMessage routes one inbound message.
func (g *Gateway) HandleMessage(ctx context.Context, topic string, payload []byte) {
	g.counters.MessagesRecv.Add(1)

	t, err := transfer.ParseTopic(topic)
	if err != nil {
		g.drop(topic, err.Error())
		return
	}
	if t.Namespace != g.cfg.Namespace {
		g.drop(topic, "foreign namespace")
		return
	}

	switch t.Channel {
	case transfer.ChannelData:
		g.seen(ctx, t.Device)
		g.counters.DataRecv.Add(1)
		if g.cfg.Data != nil {
			g.cfg.Data.HandleData(ctx, t, payload)
		}
	case transfer.ChannelStatus:
		g.seen(ctx, t.Device)
		g.counters.StatusRecv.Add(1)
		if g.cfg.Status != nil {
			g.cfg.Status.HandleStatus(ctx, t, payload)
		}
	case transfer.ChannelAck:
		g.counters.AckRecv.Add(1)
		g.log.Debug("ack channel message", "device", string(t.Device), "bytes", len(payload))
	default:
		g.drop(topic, "channel not routed")
	}
}

func (g *Gateway) seen(ctx context.Context, id transfer.DeviceID) {
	if g.cfg.Presence != nil {
		g.cfg.Presence.Seen(ctx, id)
	}
}

func (g *Gateway) drop(topic, reason string) {
	g.counters.Dropped.Add(1)
	g.scope.Counter("dropped").Inc(1)
	g.log.Debug("dropping message", "topic", topic, "reason", reason)
}

// Run connects the transport, starts the background loops and routes
// messages until ctx is cancelled. Loops are stopped and waited for before
// the transport is stopped.
func (g *Gateway) Run(ctx context.Context) error {
	t := g.cfg.Transport
	if t == nil {
		return ErrNoTransport
	}

	t.SetMessageHandler(func(topic string, payload []byte) {
		g.HandleMessage(ctx, topic, payload)
	})
	t.SetStateHandler(func(_ transport.Transport, ev transport.Event) {
		g.scope.Tagged(map[string]string{"event": ev.String()}).Counter("transport_events").Inc(1)
		g.log.Info("transport state changed", "event", ev.String())
	})

	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	g.log.Info("gateway running", "namespace", g.cfg.Namespace, "loops", len(g.cfg.Loops))

	var wg sync.WaitGroup
	for _, l := range g.cfg.Loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Start(ctx)
		}()
	}

	<-ctx.Done()

	for _, l := range g.cfg.Loops {
		l.Stop()
	}
	wg.Wait()

	if err := t.Stop(); err != nil {
		return fmt.Errorf("stopping transport: %w", err)
	}
	g.log.Info("gateway stopped", "counters", g.counters.Snapshot())
	return nil
}
