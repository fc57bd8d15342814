// Copyright (C) 2025 The Syncthing Authors.

// Package bepclient is the public surface of this module: a read-only
// BEP client that mirrors a single peer's shared folders into a local
// catalog and serves reads against it, fetching and caching blocks on
// demand (spec §1, §4.9).
package bepclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"

	"github.com/bepcore/client/internal/bep"
	"github.com/bepcore/client/internal/blockcache"
	"github.com/bepcore/client/internal/catalog"
	"github.com/bepcore/client/internal/deviceid"
	"github.com/bepcore/client/internal/eventbus"
	"github.com/bepcore/client/internal/metrics"
	"github.com/bepcore/client/internal/scheduler"
	"github.com/bepcore/client/internal/transport"
)

// Core is the orchestrator tying the transport, catalog, cache,
// scheduler, and event bus together. For the lifetime of a single peer
// connection it owns a suture supervisor that runs the scheduler and the
// catalog maintainer; reconnecting after a Close requires a new Core.
type Core struct {
	cfg    config
	cert   tls.Certificate
	selfID deviceid.DeviceID

	store    *catalog.DB
	cache    *blockcache.Cache
	metrics  *metrics.Set
	registry *prometheus.Registry
	bus      *eventbus.Bus
	dialer   *transport.Dialer
	log      *slog.Logger

	mu        sync.Mutex
	conn      *bep.Connection
	sched     *scheduler.Scheduler
	sup       *suture.Supervisor
	supCancel context.CancelFunc
	peerID    deviceid.DeviceID
	connected bool
	closed    bool
}

// New loads the client certificate from certPath/keyPath, opens (or
// creates) the catalog database at dbPath and the block cache rooted at
// cachePath, and returns a Core ready to Connect.
func New(certPath, keyPath, dbPath, cachePath string, opts ...Option) (*Core, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, wrap(err, "load certificate")
	}
	selfID := deviceid.FromCertificate(cert.Certificate[0])

	m := metrics.New(cfg.registry)

	store, err := catalog.Open(dbPath, selfID[:], cfg.deviceName, m)
	if err != nil {
		return nil, wrap(err, "open catalog")
	}

	cache, err := blockcache.New(cachePath, cfg.cacheHot, m)
	if err != nil {
		store.Close()
		return nil, wrap(err, "open block cache")
	}

	dialer := transport.New(transport.Config{
		Cert:    cert,
		Metrics: m,
	})

	return &Core{
		cfg:      cfg,
		cert:     cert,
		selfID:   selfID,
		store:    store,
		cache:    cache,
		metrics:  m,
		registry: cfg.registry,
		bus:      eventbus.New(),
		dialer:   dialer,
		log:      cfg.log.With(slog.String("device", selfID.Short())),
	}, nil
}

// SelfID returns this client's own device identity.
func (c *Core) SelfID() deviceid.DeviceID { return c.selfID }

// Metrics returns the registry every collector this Core owns is
// registered against.
func (c *Core) Metrics() *prometheus.Registry { return c.registry }

// Events returns a subscription delivering events matching mask; callers
// must Unsubscribe when done.
func (c *Core) Events(mask eventbus.EventType) *eventbus.Subscription {
	return c.bus.Subscribe(mask)
}

// Unsubscribe releases a subscription returned by Events.
func (c *Core) Unsubscribe(sub *eventbus.Subscription) { c.bus.Unsubscribe(sub) }

// Connect dials peerIDString at rawURL (one of the forms transport.Dialer
// accepts), performs the Hello and ClusterConfig exchange, and blocks
// until the connection is usable for reads or the attempt fails. Only one
// connection may be active per Core.
func (c *Core) Connect(ctx context.Context, rawURL, peerIDString string) error {
	peerID, err := deviceid.FromString(peerIDString)
	if err != nil {
		return wrap(err, "parse peer id")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("bepclient: already connected")
	}
	c.mu.Unlock()

	rawConn, err := c.dialer.Dial(ctx, rawURL, peerID, c.cfg.resolver)
	if err != nil {
		return wrap(err, "dial")
	}

	if err := exchangeHello(rawConn, bep.Hello{
		DeviceName:    c.cfg.deviceName,
		ClientName:    c.cfg.clientName,
		ClientVersion: c.cfg.clientVer,
	}); err != nil {
		rawConn.Close()
		return wrap(err, "hello")
	}

	model := newCoreModel(c.store, c.cache, c.bus, c.log, c.handleClosed)
	sender := &connSender{}
	schedOpts := c.cfg.schedulerOptions()
	schedOpts.Metrics = c.metrics
	sched := scheduler.New(sender, schedOpts)
	model.sched = sched
	conn := bep.NewConnection(rawConn, peerID.String(), model, c.log)
	sender.conn = conn
	sender.sched = sched

	conn.Start()

	supCtx, cancel := context.WithCancel(context.Background())
	sup := suture.New("bepclient", suture.Spec{})
	sup.Add(sched)
	sup.Add(catalog.NewMaintainer(c.store))
	go sup.Serve(supCtx) //nolint:errcheck

	cc, err := c.store.GetClusterConfig(peerID[:])
	if err != nil {
		cancel()
		conn.Close(err)
		return wrap(err, "build cluster config")
	}
	conn.ClusterConfig(cc)

	select {
	case <-model.awaitHandshake():
	case <-conn.Closed():
		cancel()
		return wrap(conn.Err(), "handshake")
	case <-ctx.Done():
		conn.Close(ctx.Err())
		cancel()
		return ctx.Err()
	}

	c.mu.Lock()
	c.conn = conn
	c.sched = sched
	c.sup = sup
	c.supCancel = cancel
	c.peerID = peerID
	c.connected = true
	c.mu.Unlock()

	c.metrics.ConnectionState.Set(1)
	return nil
}

// exchangeHello sends our Hello and reads the peer's concurrently, since
// neither side can know the other writes first.
func exchangeHello(rw net.Conn, h bep.Hello) error {
	errCh := make(chan error, 1)
	go func() { errCh <- bep.WriteHello(rw, h) }()

	if _, err := bep.ReadHello(rw); err != nil {
		return err
	}
	return <-errCh
}

func (c *Core) handleClosed(error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.metrics.ConnectionState.Set(0)
}

// Close tears down the active connection, if any, and releases the
// catalog and cache. The Core must not be used afterwards.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.supCancel
	c.mu.Unlock()

	if conn != nil {
		conn.Close(nil)
	}
	if cancel != nil {
		cancel()
	}
	c.metrics.ConnectionState.Set(0)
	return wrap(c.store.Close())
}
