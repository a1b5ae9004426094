package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/linkstate/kvstore/internal/discovery"
	"github.com/linkstate/kvstore/internal/filter"
	"github.com/linkstate/kvstore/internal/merge"
	"github.com/linkstate/kvstore/internal/record"
	"github.com/linkstate/kvstore/internal/store"
	kvsync "github.com/linkstate/kvstore/internal/sync"
	"github.com/linkstate/kvstore/internal/transport"
)

// Node is a running kvstore instance: one or more areas, their sync
// sessions with peers, and (optionally) a TCP listener and mDNS
// discovery. It is safe for concurrent use by multiple goroutines.
type Node struct {
	cfg atomic.Pointer[Config]

	logger       *zap.Logger
	errorHandler func(error)

	mu     sync.RWMutex
	areas  map[string]*store.Area
	engine *kvsync.Engine

	listener  *transport.Listener
	discovery *discovery.MDNS

	stopRefresh chan struct{}
	stopTick    chan struct{}
	wg          sync.WaitGroup

	closed atomic.Bool
}

// New creates a Node with the given options. If BindAddr is set, the
// node listens for inbound peer connections and dials any configured
// seeds; otherwise it runs as a local, unconnected store.
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if len(cfg.Seeds) > 0 && cfg.BindAddr == "" {
		return nil, fmt.Errorf("kvstore: bind addr required when seeds are set")
	}

	logger := cfg.logger
	if logger == nil {
		logger = defaultLogger()
	}
	errorHandler := cfg.errorHandler
	if errorHandler == nil {
		errorHandler = func(error) {}
	}

	n := &Node{
		logger:       logger,
		errorHandler: errorHandler,
		areas:        make(map[string]*store.Area),
		stopRefresh:  make(chan struct{}),
		stopTick:     make(chan struct{}),
	}
	n.cfg.Store(&cfg)

	f, err := cfg.buildFilter()
	if err != nil {
		return nil, fmt.Errorf("kvstore: build filter: %w", err)
	}

	syncCfg := kvsync.Config{
		FullSyncTimeout: cfg.FullSyncTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		InitialBackoff:  cfg.SyncInitialBackoff,
		MaxBackoff:      cfg.SyncMaxBackoff,
		FloodMsgPerSec:  cfg.FloodMsgPerSec,
		FloodBurstSize:  cfg.FloodBurstSize,
		TTLDecrement:    cfg.TTLDecrement.Milliseconds(),
	}
	n.engine = kvsync.New(cfg.NodeID, transport.Dialer{Timeout: cfg.FullSyncTimeout}, syncCfg, logger)
	n.engine.SetFilter(f)

	for _, area := range cfg.Areas {
		a := store.New(area, time.Now)
		a.SetSubscriberDroppedHook(func(id uint64, err error) {
			n.logger.Debug("subscriber dropped", zap.Uint64("id", id), zap.Error(err))
			n.errorHandler(err)
		})
		n.areas[area] = a
		n.engine.AddArea(a)
	}

	if cfg.BindAddr != "" {
		ln, err := transport.Listen(cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("kvstore: listen: %w", err)
		}
		n.listener = ln

		n.wg.Add(1)
		go n.acceptLoop()

		if cfg.Discovery {
			mdns, err := discovery.NewMDNS(cfg.NodeID, cfg.BindAddr, n.addSeedPeers)
			if err != nil {
				n.logger.Warn("mdns discovery unavailable", zap.Error(err))
			} else {
				n.discovery = mdns
			}
		}

		for _, area := range cfg.Areas {
			for _, seed := range cfg.Seeds {
				if err := n.engine.PeerUp(context.Background(), area, seed); err != nil {
					n.logger.Warn("peer up failed", zap.String("peer", seed), zap.Error(err))
				}
			}
		}
	}

	n.wg.Add(2)
	go n.refreshLoop()
	go n.tickLoop()

	return n, nil
}

func (n *Node) addSeedPeers(addrs []string) {
	cfg := n.cfg.Load()
	for _, area := range cfg.Areas {
		for _, addr := range addrs {
			if err := n.engine.PeerUp(context.Background(), area, addr); err != nil {
				n.logger.Debug("peer up from discovery failed", zap.String("peer", addr), zap.Error(err))
			}
		}
	}
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.closed.Load() {
				return
			}
			n.logger.Debug("accept failed", zap.Error(err))
			continue
		}
		go func() {
			if err := n.engine.AcceptInboundAuto(context.Background(), conn); err != nil {
				n.logger.Debug("inbound connection rejected", zap.Error(err))
			}
		}()
	}
}

// refreshLoop periodically republishes TTL-only refresh records for
// every locally originated key, at kvStoreKeyTtl/N as described in §4.4,
// flooding the resulting delta to peers the same way a local write is.
func (n *Node) refreshLoop() {
	defer n.wg.Done()
	const refreshDivisor = 4
	cfg := n.cfg.Load()
	interval := cfg.KVStoreKeyTTL / refreshDivisor
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cfg := n.cfg.Load()
			n.mu.RLock()
			for name, area := range n.areas {
				delta := area.RefreshLocalTTLs(cfg.NodeID, cfg.KVStoreKeyTTL.Milliseconds())
				if len(delta) == 0 {
					continue
				}
				if err := n.engine.Flood(context.Background(), name, delta, ""); err != nil {
					n.logger.Debug("refresh flood failed", zap.String("area", name), zap.Error(err))
				}
			}
			n.mu.RUnlock()
		case <-n.stopRefresh:
			return
		}
	}
}

// tickLoop expires due TTLs in every area on a fixed cadence, matching
// the single-event-loop model's tolerance for polling rather than one
// timer per key (§5); the heap-based scheduler in internal/store still
// does the O(log n) bookkeeping, this just drives its clock.
func (n *Node) tickLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			n.mu.RLock()
			for _, area := range n.areas {
				area.Tick(now)
			}
			n.mu.RUnlock()
		case <-n.stopTick:
			return
		}
	}
}

// Addr returns the node's bound listener address, or "" if it was
// created without a BindAddr. Useful when BindAddr used port 0 and the
// OS assigned an ephemeral port.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr()
}

func (n *Node) area(name string) (*store.Area, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.areas[name]
	if !ok {
		return nil, ErrUnknownArea
	}
	return a, nil
}

func (n *Node) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	if n.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Set writes value under key in area, originated by this node, and
// floods the resulting delta to every established peer.
func (n *Node) Set(ctx context.Context, area, key string, value []byte) error {
	if err := n.check(ctx); err != nil {
		return err
	}
	a, err := n.area(area)
	if err != nil {
		return err
	}

	cfg := n.cfg.Load()
	prior := a.GetKeyVals(ctx, []string{key})[key]
	rec := record.Record{
		Version:      prior.Version + 1,
		OriginatorID: cfg.NodeID,
		HasValue:     true,
		Value:        append([]byte(nil), value...),
		TTLVersion:   0,
		TTL:          cfg.KVStoreKeyTTL.Milliseconds(),
	}

	delta := a.SetKeyVals(ctx, map[string]record.Record{key: rec})
	if len(delta) == 0 {
		return nil
	}
	return n.engine.Flood(ctx, area, delta, "")
}

// Get returns the current value for key in area.
func (n *Node) Get(ctx context.Context, area, key string) ([]byte, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	a, err := n.area(area)
	if err != nil {
		return nil, err
	}
	got := a.GetKeyVals(ctx, []string{key})
	rec, ok := got[key]
	if !ok || !rec.HasValue {
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

// Delta re-exports store.Delta for subscribers of Node.Subscribe.
type Delta = store.Delta

// Subscribe streams every merge and expiry in area whose key matches any
// of prefixes (nil or empty == every key), returning a
// cancel function that must be called to release the subscription.
func (n *Node) Subscribe(area string, prefixes []string) (<-chan Delta, func(), error) {
	a, err := n.area(area)
	if err != nil {
		return nil, nil, err
	}
	var f *filter.Filter
	if len(prefixes) > 0 {
		f, err = filter.New(filter.Config{KeyPrefixes: prefixes, Operator: filter.OperatorAny})
		if err != nil {
			return nil, nil, fmt.Errorf("kvstore: subscribe filter: %w", err)
		}
	}
	ch, cancel := a.Subscribe(f)
	return ch, cancel, nil
}

// Stats returns the merge outcome counters for area.
func (n *Node) Stats(area string) (merge.Stats, error) {
	a, err := n.area(area)
	if err != nil {
		return merge.Stats{}, err
	}
	return a.Stats(), nil
}

// PeerStates reports every known peer's session state in area, keyed by
// address, for diagnostics.
func (n *Node) PeerStates(area string) map[string]kvsync.State {
	return n.engine.PeerStates(area)
}

// Reload swaps in a new configuration snapshot, re-validating it first.
// Only the ingress filter, the node id and the TTL attached to local
// writes and refreshes take effect on a running Node. Flood rate,
// backoff, timeouts and TTL decrement stay as the Node was created with
// (the refresh interval too), and BindAddr, Areas, and Discovery require
// a new Node.
func (n *Node) Reload(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("kvstore: reload config cannot be nil")
	}
	next := *cfg
	if err := next.finalize(); err != nil {
		return err
	}
	f, err := next.buildFilter()
	if err != nil {
		return fmt.Errorf("kvstore: reload: build filter: %w", err)
	}
	n.engine.SetFilter(f)
	n.cfg.Store(&next)
	return nil
}

// Close stops discovery, tears down every peer session, and releases the
// listener. Further operations return ErrClosed.
func (n *Node) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	if !n.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	close(n.stopRefresh)
	close(n.stopTick)
	if n.discovery != nil {
		n.discovery.Stop()
	}
	n.engine.Close()
	if n.listener != nil {
		_ = n.listener.Close()
	}
	n.wg.Wait()
	_ = n.logger.Sync()
	return nil
}

// defaultLogger builds an Info-level zap logger writing to stdout,
// matching the simplicity of goakt's log.DefaultLogger (zap at
// InfoLevel, no sampling) rather than zap's noisier NewProduction
// sampling defaults.
func defaultLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stdout"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}
