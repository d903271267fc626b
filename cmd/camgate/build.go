package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"

	"github.com/kabili207/camgate/config"
	"github.com/kabili207/camgate/core/assembly"
	"github.com/kabili207/camgate/core/dedupe"
	"github.com/kabili207/camgate/core/digest"
	"github.com/kabili207/camgate/device/ack"
	"github.com/kabili207/camgate/device/audit"
	"github.com/kabili207/camgate/device/command"
	"github.com/kabili207/camgate/device/finalize"
	"github.com/kabili207/camgate/device/gateway"
	"github.com/kabili207/camgate/device/ingest"
	"github.com/kabili207/camgate/device/presence"
	"github.com/kabili207/camgate/device/reconcile"
	"github.com/kabili207/camgate/device/status"
	"github.com/kabili207/camgate/metrics"
	"github.com/kabili207/camgate/notify"
	"github.com/kabili207/camgate/notify/redis"
	"github.com/kabili207/camgate/store"
	"github.com/kabili207/camgate/store/fsstore"
	"github.com/kabili207/camgate/store/s3store"
	"github.com/kabili207/camgate/store/sqlstore"
	"github.com/kabili207/camgate/transport"
	"github.com/kabili207/camgate/transport/mqtt"
)

// components is a fully wired gateway process.
type components struct {
	Gateway   *gateway.Gateway
	Transport transport.Transport
	Metadata  store.MetadataStore
	Objects   store.ObjectStore
	Notifier  notify.Notifier
	Scope     tally.Scope

	closers []io.Closer
}

// build wires every component from cfg. Nothing connects to the broker
// until Gateway.Run is called.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{}
	clk := clock.New()

	if cfg.Metrics.Disabled {
		c.Scope = tally.NoopScope
	} else {
		scope, closer := metrics.New(metrics.Config{
			Prefix:   cfg.Metrics.Prefix,
			Interval: cfg.Metrics.Interval.Duration,
			Tags:     cfg.Metrics.Tags,
			Logger:   log,
		})
		c.Scope = scope
		c.closers = append(c.closers, closer)
	}

	db, err := openMetadata(cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Metadata = db
	c.closers = append(c.closers, db)

	if c.Objects, err = openObjects(ctx, cfg, log); err != nil {
		c.Close()
		return nil, err
	}

	if c.Notifier, err = openNotifier(cfg); err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, c.Notifier)

	hash, err := digest.Parse(cfg.Hash.Algorithm)
	if err != nil {
		c.Close()
		return nil, err
	}

	ns := cfg.MQTT.Namespace
	var qos *byte
	if cfg.MQTT.QoS != nil {
		q := byte(*cfg.MQTT.QoS)
		qos = &q
	}
	mt := mqtt.New(mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		UseTLS:         cfg.MQTT.UseTLS,
		ClientID:       cfg.MQTT.ClientID,
		Topics:         gateway.Subscriptions(ns),
		QoS:            qos,
		ConnectTimeout: cfg.MQTT.ConnectTimeout.Duration,
		PublishTimeout: cfg.MQTT.PublishTimeout.Duration,
		Logger:         log,
		Scope:          c.Scope,
	})
	c.Transport = mt

	registry := assembly.NewRegistry(assembly.RegistryConfig{
		Capacity:  cfg.Assembly.MaxInFlight,
		MaxChunks: cfg.Assembly.MaxChunks,
		Now:       clk.Now,
	})
	recent := dedupe.NewWithCapacity(cfg.Assembly.RecentCapacity)

	rec := audit.New(audit.Config{Store: db, Logger: log, Scope: c.Scope})
	acks := ack.New(ack.Config{
		Namespace:    ns,
		Publisher:    mt,
		Audit:        rec,
		NextWakeTime: cfg.Ack.NextWakeTime,
		Logger:       log,
		Scope:        c.Scope,
	})

	ing := ingest.New(ingest.Config{
		Registry: registry,
		Store:    db,
		Acks:     acks,
		Audit:    rec,
		Recent:   recent,
		Clock:    clk,
		Logger:   log,
		Scope:    c.Scope,
	})
	fin := finalize.New(finalize.Config{
		Objects:  c.Objects,
		Store:    db,
		Acks:     acks,
		Audit:    rec,
		Recent:   recent,
		Notifier: c.Notifier,
		Hash:     hash,
		Clock:    clk,
		Logger:   log,
		Scope:    c.Scope,
	})
	retransmitMax := -1
	if cfg.Assembly.RetransmitMax != nil {
		retransmitMax = *cfg.Assembly.RetransmitMax
	}
	recon := reconcile.New(reconcile.Config{
		Interval:        cfg.Assembly.TickInterval.Duration,
		Timeout:         cfg.Assembly.Timeout.Duration,
		RetransmitDelay: cfg.Assembly.RetransmitDelay.Duration,
		RetransmitMax:   retransmitMax,
		Registry:        registry,
		Store:           db,
		Acks:            acks,
		Audit:           rec,
		Finalizer:       fin,
		Clock:           clk,
		Logger:          log,
		Scope:           c.Scope,
	})
	st := status.New(status.Config{Store: db, Audit: rec, Logger: log, Scope: c.Scope})

	loops := []gateway.Loop{recon}
	gcfg := gateway.Config{
		Namespace: ns,
		Transport: mt,
		Data:      ing,
		Status:    st,
		Logger:    log,
		Scope:     c.Scope,
	}
	if !cfg.Presence.Disabled {
		pt := presence.New(presence.Config{
			ReportInterval:    cfg.Presence.ReportInterval.Duration,
			TimeoutMultiplier: cfg.Presence.TimeoutMultiplier,
			CheckInterval:     cfg.Presence.CheckInterval.Duration,
			Store:             db,
			Clock:             clk,
			Logger:            log,
			Scope:             c.Scope,
		})
		gcfg.Presence = pt
		loops = append(loops, pt)
	}
	if !cfg.Commands.Disabled {
		loops = append(loops, command.New(command.Config{
			Interval:  cfg.Commands.Interval.Duration,
			BatchSize: cfg.Commands.BatchSize,
			Store:     db,
			Acks:      acks,
			Ready:     mt.IsConnected,
			Clock:     clk,
			Logger:    log,
			Scope:     c.Scope,
		}))
	}
	gcfg.Loops = loops
	c.Gateway = gateway.New(gcfg)

	return c, nil
}

// Check verifies that the metadata store, object store and notifier are
// reachable.
func (c *components) Check(ctx context.Context) error {
	if err := c.Metadata.Ping(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	if err := c.Objects.Check(ctx); err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if p, ok := c.Notifier.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
	}
	return nil
}

// Close releases every opened resource in reverse order.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func openMetadata(cfg *config.Config, log *slog.Logger) (*sqlstore.Store, error) {
	db, err := sqlstore.Open(sqlstore.Config{DSN: cfg.Database.DSN, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func openObjects(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageS3:
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:       cfg.Storage.Bucket,
			Prefix:       cfg.Storage.Prefix,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		return s, nil
	case config.StorageFS:
		s, err := fsstore.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("fs store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Type {
	case config.NotifyNone:
		return notify.Nop{}, nil
	case config.NotifyRedis:
		retries := 0
		if cfg.Notify.Retries != nil {
			retries = *cfg.Notify.Retries
		}
		n, err := redis.New(redis.Config{
			URL:     cfg.Notify.URL,
			Channel: cfg.Notify.Channel,
			Timeout: cfg.Notify.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notify.Type)
	}
}
