// Package ack publishes acknowledgements and commands to devices.
//
// All outbound traffic to a device goes through a Publisher: negative
// acknowledgements listing missing chunks, the positive ACK_OK that lets a
// device stop retransmitting, the ACK_ERROR reply to a device-reported
// failure, and queued commands. Successful publishes are mirrored to the
// audit log with direction "out".
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/core/codec"
	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/device/audit"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/store"
	"github.com/kabili207/camgate/transport"
)

// ErrNoPublisher is returned when the Publisher has no transport.
var ErrNoPublisher = errors.New("ack: no transport publisher configured")

// Config configures a Publisher.
type Config struct {
	// Namespace is the first topic segment. Default: transfer.DefaultNamespace.
	Namespace string

	// Publisher is the outbound transport.
	Publisher transport.Publisher

	// Audit mirrors successful publishes. May be nil.
	Audit *audit.Recorder

	// NextWakeTime, if set, is included in every ACK_OK.
	NextWakeTime string

	// Logger for publish events. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Scope for publish counters. If nil, metrics are discarded.
	Scope tally.Scope
}

// Publisher sends acknowledgement and command messages.
type Publisher struct {
	cfg   Config
	log   *slog.Logger
	scope tally.Scope
}

// New creates a Publisher.
func New(cfg Config) *Publisher {
	if cfg.Namespace == "" {
		cfg.Namespace = transfer.DefaultNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("ack"),
		scope: metrics.ScopeOrNop(cfg.Scope).SubScope("ack"),
	}
}

// Nack asks the device for the missing chunks of key.
func (p *Publisher) Nack(ctx context.Context, key transfer.Key, deviceRecord string, missing []int) error {
	body, err := codec.EncodeNack(key.Name, missing)
	if err != nil {
		return fmt.Errorf("encoding nack: %w", err)
	}
	if err := p.send(ctx, key.Device, transfer.ChannelAck, deviceRecord, body, "nack"); err != nil {
		return err
	}
	p.log.Info("requested retransmission", "key", key.String(), "missing", len(missing))
	return nil
}

// AckOK confirms key was stored.
func (p *Publisher) AckOK(ctx context.Context, key transfer.Key, deviceRecord string) error {
	body, err := codec.EncodeAckOK(key.Name, p.cfg.NextWakeTime)
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	if err := p.send(ctx, key.Device, transfer.ChannelAck, deviceRecord, body, "ok"); err != nil {
		return err
	}
	p.log.Debug("acknowledged", "key", key.String())
	return nil
}

// AckError replies to a device-reported capture failure.
func (p *Publisher) AckError(ctx context.Context, key transfer.Key, deviceRecord string, code int) error {
	body, err := codec.EncodeAckError(key.Name, code)
	if err != nil {
		return fmt.Errorf("encoding ack error: %w", err)
	}
	return p.send(ctx, key.Device, transfer.ChannelAck, deviceRecord, body, "error")
}

// Command publishes a queued command to its device.
func (p *Publisher) Command(ctx context.Context, cmd store.Command) error {
	body, err := codec.EncodeCommand(cmd.ID, cmd.Type, cmd.Payload)
	if err != nil {
		return fmt.Errorf("encoding command %s: %w", cmd.ID, err)
	}
	return p.send(ctx, cmd.HardwareID, transfer.ChannelCmd, cmd.DeviceID, body, "command")
}

func (p *Publisher) send(ctx context.Context, dev transfer.DeviceID, ch transfer.Channel, deviceRecord string, body []byte, kind string) error {
	if p.cfg.Publisher == nil {
		return ErrNoPublisher
	}
	topic := transfer.TopicFor(p.cfg.Namespace, dev, ch)
	counters := p.scope.Tagged(map[string]string{"kind": kind})
	if err := p.cfg.Publisher.Publish(topic, body); err != nil {
		counters.Counter("failed").Inc(1)
		p.log.Warn("publish failed", "topic", topic, "kind", kind, "error", err)
		return fmt.Errorf("publishing %s to %s: %w", kind, topic, err)
	}
	counters.Counter("sent").Inc(1)
	if p.cfg.Audit != nil {
		p.cfg.Audit.Outbound(ctx, deviceRecord, topic, body)
	}
	return nil
}
