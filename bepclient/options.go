// Copyright (C) 2025 The Syncthing Authors.

package bepclient

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bepcore/client/internal/scheduler"
	"github.com/bepcore/client/internal/transport"
)

// config holds every tunable spec §6's constructor exposes, defaulted
// exactly per spec §4.7 ("concurrent=5, timeout=2s, retries=2").
type config struct {
	concurrent int
	timeout    time.Duration
	retries    int
	registry   *prometheus.Registry
	resolver   transport.Resolver
	deviceName string
	clientName string
	clientVer  string
	log        *slog.Logger
	cacheHot   int
}

func defaultConfig() config {
	return config{
		concurrent: 5,
		timeout:    2 * time.Second,
		retries:    2,
		registry:   prometheus.NewRegistry(),
		deviceName: "bepclient",
		clientName: "bepcore",
		clientVer:  "1.0.0",
		cacheHot:   1024,
	}
}

// Option configures a Core at construction time.
type Option func(*config)

// WithConcurrency overrides the scheduler's concurrent in-flight request
// cap (spec §4.7 default 5).
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrent = n }
}

// WithTimeout overrides the per-request timeout (spec §4.7 default 2s).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithRetries overrides the per-request retry budget (spec §4.7 default 2).
func WithRetries(n int) Option {
	return func(c *config) { c.retries = n }
}

// WithRegistry supplies a caller-owned Prometheus registry; Core never
// registers against the global default registry (spec §4.10).
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithResolver supplies the discovery-server lookup used for the literal
// "dynamic" connect URL (spec §6); without one, "dynamic" fails.
func WithResolver(r transport.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithDeviceName sets the name this client advertises in its Hello and
// as its own device entry in outbound ClusterConfigs.
func WithDeviceName(name string) Option {
	return func(c *config) { c.deviceName = name }
}

// WithClientInfo sets the Hello client name/version fields.
func WithClientInfo(name, version string) Option {
	return func(c *config) { c.clientName, c.clientVer = name, version }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithCacheHotSetSize overrides the block cache's in-memory known-good
// hash set capacity (spec §4.8 expansion).
func WithCacheHotSetSize(n int) Option {
	return func(c *config) { c.cacheHot = n }
}

func (c config) schedulerOptions() scheduler.Options {
	return scheduler.Options{
		Concurrent: c.concurrent,
		Timeout:    c.timeout,
		Retries:    c.retries,
	}
}
