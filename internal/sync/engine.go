package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linkstate/kvstore/internal/filter"
	"github.com/linkstate/kvstore/internal/record"
	"github.com/linkstate/kvstore/internal/store"
	"github.com/linkstate/kvstore/internal/transport"
	"github.com/linkstate/kvstore/internal/wire"
)

// Dialer is the subset of transport.Dialer the engine needs, so tests can
// substitute an in-memory pair.
type Dialer interface {
	Dial(ctx context.Context, addr string) (transport.Conn, error)
}

// Engine owns every (area, peer) Session for one node: it dials outbound
// peers, accepts inbound connections handed to it by the listener loop,
// retries dropped sessions with backoff, and fans out local deltas to
// every established peer except the one that produced them. Grounded on
// the teacher's internal/gossip/node.go goroutine-per-peer shape, with
// backoff from goakt/actors/pid.go and errgroup fan-out from
// goakt/actors/rebalance.go.
type Engine struct {
	nodeName string
	dialer   Dialer
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	areas   map[string]*store.Area
	filter  *filter.Filter
	peers   map[string]map[string]*peerEntry // area -> peerAddr -> entry
	closed  bool
	cancels []context.CancelFunc
}

type peerEntry struct {
	session *Session
	cancel  context.CancelFunc
}

// New creates an Engine with no ingress filter; one can be installed or
// replaced later with SetFilter (e.g. on config Reload).
func New(nodeName string, dialer Dialer, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		nodeName: nodeName,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		areas:    make(map[string]*store.Area),
		peers:    make(map[string]map[string]*peerEntry),
	}
}

// AddArea registers an area store the engine will sync for its peers.
func (e *Engine) AddArea(area *store.Area) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.areas[area.Name()] = area
}

// SetFilter installs the node-wide ingress filter applied to every
// incoming merge, replacing whatever was set before.
func (e *Engine) SetFilter(f *filter.Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = f
}

func (e *Engine) currentFilter() *filter.Filter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

// PeerUp registers peerAddr for area and begins dialing it, retrying with
// exponential backoff on failure until PeerDown is called or the engine
// is closed. Re-registering an address already up is a no-op.
func (e *Engine) PeerUp(ctx context.Context, area, peerAddr string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("sync: engine is closed")
	}
	st, ok := e.areas[area]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("sync: unknown area %q", area)
	}
	byPeer, ok := e.peers[area]
	if !ok {
		byPeer = make(map[string]*peerEntry)
		e.peers[area] = byPeer
	}
	if _, exists := byPeer[peerAddr]; exists {
		e.mu.Unlock()
		return nil
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := newSession(area, peerAddr, st, e.currentFilter, e.cfg, e.logger, e.onPeerDelta)
	byPeer[peerAddr] = &peerEntry{session: sess, cancel: cancel}
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()

	go e.runWithRetry(sessCtx, sess)
	return nil
}

// PeerDown stops syncing peerAddr for area and tears down its session.
func (e *Engine) PeerDown(area, peerAddr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byPeer, ok := e.peers[area]
	if !ok {
		return
	}
	if entry, ok := byPeer[peerAddr]; ok {
		entry.cancel()
		delete(byPeer, peerAddr)
	}
}

// AcceptInbound hands a connection accepted by the node's listener to a
// new session for its (area, peer) pair, cancelling any session already
// registered under that peer address (mirroring the teacher's accept loop in
// internal/gossip/node.go, which treats every inbound dial as a new
// gossip partner).
func (e *Engine) AcceptInbound(ctx context.Context, area string, conn transport.Conn) error {
	return e.acceptInbound(ctx, area, conn, nil)
}

// AcceptInboundAuto accepts a connection without knowing its area ahead
// of time: it reads the first frame to learn the area (every wire.Message
// carries one) and hands both the connection and that already-consumed
// frame to the session, so a node with more than one area can multiplex
// them over a single listener.
func (e *Engine) AcceptInboundAuto(ctx context.Context, conn transport.Conn) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, e.cfg.FullSyncTimeout)
	first, err := conn.Recv(handshakeCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("sync: read area handshake: %w", err)
	}
	return e.acceptInbound(ctx, first.Area, conn, &first)
}

func (e *Engine) acceptInbound(ctx context.Context, area string, conn transport.Conn, first *wire.Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("sync: engine is closed")
	}
	st, ok := e.areas[area]
	if !ok {
		e.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("sync: unknown area %q", area)
	}
	peerAddr := conn.RemoteAddr()
	byPeer, ok := e.peers[area]
	if !ok {
		byPeer = make(map[string]*peerEntry)
		e.peers[area] = byPeer
	}
	if entry, exists := byPeer[peerAddr]; exists {
		entry.cancel()
	}
	sessCtx, cancel := context.WithCancel(ctx)
	sess := newSession(area, peerAddr, st, e.currentFilter, e.cfg, e.logger, e.onPeerDelta)
	byPeer[peerAddr] = &peerEntry{session: sess, cancel: cancel}
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()

	go func() {
		if err := sess.attachPrimed(sessCtx, conn, first); err != nil {
			e.logger.Debug("inbound session ended", zap.String("peer", peerAddr), zap.Error(err))
		}
	}()
	return nil
}

func (e *Engine) runWithRetry(ctx context.Context, sess *Session) {
	bo := backoff.NewExponentialBackOff()
	if e.cfg.InitialBackoff > 0 {
		bo.InitialInterval = e.cfg.InitialBackoff
	}
	if e.cfg.MaxBackoff > 0 {
		bo.MaxInterval = e.cfg.MaxBackoff
	}
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := e.dialer.Dial(ctx, sess.peerAddr)
		if err != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			e.logger.Debug("dial failed, retrying", zap.String("peer", sess.peerAddr), zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		if err := sess.attach(ctx, conn); err != nil {
			e.logger.Debug("session ended, will retry", zap.String("peer", sess.peerAddr), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// onPeerDelta is invoked by a Session when it accepts a merge delta from
// its peer; it triggers flooding to every other established peer in the
// same area.
func (e *Engine) onPeerDelta(area string, delta map[string]record.Record, originPeer string) {
	if len(delta) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Flood(ctx, area, delta, originPeer); err != nil {
		e.logger.Debug("flood fanout error", zap.String("area", area), zap.Error(err))
	}
}

// Flood pushes delta to every ESTABLISHED peer in area other than
// originPeer (the empty string excludes none, used for locally-originated
// writes), rate limited per peer and fanned out concurrently via
// errgroup.
func (e *Engine) Flood(ctx context.Context, area string, delta map[string]record.Record, originPeer string) error {
	sessions := e.establishedPeers(area, originPeer)
	if len(sessions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if err := sess.limiter.Wait(gctx); err != nil {
				return nil // context cancellation ends the whole flood, not an error per peer
			}
			if err := sess.sendFlood(gctx, delta); err != nil {
				e.logger.Debug("flood send failed", zap.String("peer", sess.peerAddr), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) establishedPeers(area, exclude string) []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	byPeer := e.peers[area]
	out := make([]*Session, 0, len(byPeer))
	for addr, entry := range byPeer {
		if addr == exclude {
			continue
		}
		if entry.session.State() == StateEstablished {
			out = append(out, entry.session)
		}
	}
	return out
}

// PeerStates reports the current state of every known peer in area, for
// diagnostics.
func (e *Engine) PeerStates(area string) map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]State)
	for addr, entry := range e.peers[area] {
		out[addr] = entry.session.State()
	}
	return out
}

// Close cancels every peer session and prevents new ones from starting.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
}
