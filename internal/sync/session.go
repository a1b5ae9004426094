package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/linkstate/kvstore/internal/filter"
	"github.com/linkstate/kvstore/internal/record"
	"github.com/linkstate/kvstore/internal/store"
	"github.com/linkstate/kvstore/internal/transport"
	"github.com/linkstate/kvstore/internal/wire"
)

// State is a peer session's position in the state machine described in
// spec §4.5:
//
//	IDLE --peer-up--> INITIAL_SYNC --finished--> ESTABLISHED
//	ESTABLISHED --peer-down--> IDLE
//	INITIAL_SYNC --timeout/err--> IDLE
type State int32

const (
	StateIdle State = iota
	StateInitialSync
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateInitialSync:
		return "INITIAL_SYNC"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "IDLE"
	}
}

// Config bounds a session's timeouts and rate limiting, sourced from the
// node-wide configuration (spec §6.2).
type Config struct {
	FullSyncTimeout time.Duration
	ReadTimeout     time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	FloodMsgPerSec  int
	FloodBurstSize  int
	// TTLDecrement is subtracted (in milliseconds) from a finite TTL
	// before a record already in the store is re-flooded outward, per
	// spec §6.2, so TTL does not amplify unbounded across repeated
	// floods. Outbound TTL is floored at 1ms.
	TTLDecrement int64
}

// onDeltaFunc is invoked with a merge delta accepted from this peer, so
// the owning engine can flood it on to every other established peer.
type onDeltaFunc func(area string, delta map[string]record.Record, originPeer string)

// Session drives one (area, peer) connection.
type Session struct {
	area     string
	peerAddr string
	st       *store.Area
	filterFn func() *filter.Filter
	cfg      Config
	logger   *zap.Logger
	onDelta  onDeltaFunc

	limiter *rate.Limiter

	mu    sync.Mutex
	state State
	conn  transport.Conn

	recvHashResp chan wire.Message
	recvKeyVals  chan wire.Message
}

func newSession(area, peerAddr string, st *store.Area, filterFn func() *filter.Filter, cfg Config, logger *zap.Logger, onDelta onDeltaFunc) *Session {
	limit := rate.Inf
	burst := 0
	if cfg.FloodMsgPerSec > 0 {
		limit = rate.Limit(cfg.FloodMsgPerSec)
	}
	if cfg.FloodBurstSize > 0 {
		burst = cfg.FloodBurstSize
	}
	return &Session{
		area:         area,
		peerAddr:     peerAddr,
		st:           st,
		filterFn:     filterFn,
		cfg:          cfg,
		logger:       logger,
		onDelta:      onDelta,
		limiter:      rate.NewLimiter(limit, burst),
		recvHashResp: make(chan wire.Message, 1),
		recvKeyVals:  make(chan wire.Message, 1),
	}
}

// State returns the session's current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// attach binds a live connection and runs the session to completion: an
// initial full sync followed by serving inbound requests and flooded
// deltas until the connection fails or ctx is cancelled. Returns the
// error that ended the session, or nil on clean shutdown.
func (s *Session) attach(ctx context.Context, conn transport.Conn) error {
	return s.attachPrimed(ctx, conn, nil)
}

// attachPrimed is attach, but if first is non-nil it is dispatched before
// the session reads anything else from conn. This lets a listener that
// had to read one message to learn which area/peer a fresh inbound
// connection belongs to hand that message back to the session instead of
// losing it.
func (s *Session) attachPrimed(ctx context.Context, conn transport.Conn, first *wire.Message) error {
	s.mu.Lock()
	s.conn = conn
	s.state = StateInitialSync
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	readErrCh := make(chan error, 1)
	go func() {
		if first != nil {
			s.dispatch(ctx, conn, *first)
		}
		readErrCh <- s.readLoop(ctx, conn)
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.FullSyncTimeout)
	err := s.runInitialSync(syncCtx, conn)
	cancel()
	if err != nil {
		return err
	}

	s.setState(StateEstablished)
	select {
	case err := <-readErrCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		msg, err := s.recvOne(ctx, conn)
		if err != nil {
			return fmt.Errorf("sync: recv from %s: %w", s.peerAddr, err)
		}
		s.dispatch(ctx, conn, msg)
	}
}

// recvOne reads a single message under its own bounded context, so the
// per-message timeout is cancelled as soon as that read completes
// instead of accumulating for the lifetime of a long-lived session.
func (s *Session) recvOne(ctx context.Context, conn transport.Conn) (wire.Message, error) {
	readCtx := ctx
	if s.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, s.cfg.ReadTimeout)
		defer cancel()
	}
	return conn.Recv(readCtx)
}

func (s *Session) dispatch(ctx context.Context, conn transport.Conn, msg wire.Message) {
	switch msg.Kind {
	case wire.KindHashDumpReq:
		go s.respondHashDump(ctx, conn, msg)
	case wire.KindHashDumpResp:
		nonBlockingSend(s.recvHashResp, msg)
	case wire.KindKeyGetReq:
		go s.respondKeyGet(ctx, conn, msg)
	case wire.KindKeyValsResp:
		nonBlockingSend(s.recvKeyVals, msg)
	case wire.KindFloodPub:
		s.handleFloodPub(ctx, conn, msg)
	}
}

func nonBlockingSend(ch chan wire.Message, msg wire.Message) {
	select {
	case ch <- msg:
	default:
	}
}

func (s *Session) respondHashDump(ctx context.Context, conn transport.Conn, req wire.Message) {
	hashes := s.st.DumpHashes(ctx, req.PrefixFilter)
	_ = conn.Send(ctx, wire.Message{
		Area:   s.area,
		Kind:   wire.KindHashDumpResp,
		Hashes: toWireMap(hashes),
	})
}

func (s *Session) respondKeyGet(ctx context.Context, conn transport.Conn, req wire.Message) {
	vals := s.st.GetKeyVals(ctx, req.Keys)
	_ = conn.Send(ctx, wire.Message{
		Area:    s.area,
		Kind:    wire.KindKeyValsResp,
		KeyVals: toWireMap(s.applyTTLDecrementAll(vals)),
	})
}

func (s *Session) handleFloodPub(ctx context.Context, conn transport.Conn, msg wire.Message) {
	incoming := fromWireMap(msg.KeyVals)
	var f *filter.Filter
	if s.filterFn != nil {
		f = s.filterFn()
	}
	delta := s.st.MergeIncoming(ctx, incoming, f)
	if len(delta) > 0 && s.onDelta != nil {
		s.onDelta(s.area, delta, s.peerAddr)
	}

	if len(msg.ToBeUpdatedKeys) > 0 {
		vals := s.st.GetKeyVals(ctx, msg.ToBeUpdatedKeys)
		if len(vals) > 0 {
			_ = conn.Send(ctx, wire.Message{
				Area:    s.area,
				Kind:    wire.KindFloodPub,
				KeyVals: toWireMap(s.applyTTLDecrementAll(vals)),
			})
		}
	}
}

// runInitialSync performs the three-way full sync described in §4.5:
// request hashes, diff against the local store, push what the peer is
// missing, pull what we are missing.
func (s *Session) runInitialSync(ctx context.Context, conn transport.Conn) error {
	if err := conn.Send(ctx, wire.Message{Area: s.area, Kind: wire.KindHashDumpReq}); err != nil {
		return fmt.Errorf("sync: send hash dump request: %w", err)
	}

	var resp wire.Message
	select {
	case resp = <-s.recvHashResp:
	case <-ctx.Done():
		return fmt.Errorf("sync: initial sync with %s: %w", s.peerAddr, ctx.Err())
	}

	peerHashes := fromWireMap(resp.Hashes)
	localHashes := s.st.DumpHashes(ctx, "")
	diff := DumpDifference(localHashes, peerHashes)

	if len(diff.ToBeUpdatedKeys) > 0 {
		if err := conn.Send(ctx, wire.Message{Area: s.area, Kind: wire.KindKeyGetReq, Keys: diff.ToBeUpdatedKeys}); err != nil {
			return fmt.Errorf("sync: send key get request: %w", err)
		}
	}

	if len(diff.KeyVals) > 0 || len(diff.ToBeUpdatedKeys) > 0 {
		keys := make([]string, 0, len(diff.KeyVals))
		for k := range diff.KeyVals {
			keys = append(keys, k)
		}
		full := s.st.GetKeyVals(ctx, keys)
		if err := conn.Send(ctx, wire.Message{
			Area:            s.area,
			Kind:            wire.KindFloodPub,
			KeyVals:         toWireMap(s.applyTTLDecrementAll(full)),
			ToBeUpdatedKeys: diff.ToBeUpdatedKeys,
		}); err != nil {
			return fmt.Errorf("sync: send initial flood: %w", err)
		}
	}

	if len(diff.ToBeUpdatedKeys) == 0 {
		return nil
	}

	select {
	case resp := <-s.recvKeyVals:
		incoming := fromWireMap(resp.KeyVals)
		var f *filter.Filter
		if s.filterFn != nil {
			f = s.filterFn()
		}
		delta := s.st.MergeIncoming(ctx, incoming, f)
		if len(delta) > 0 && s.onDelta != nil {
			s.onDelta(s.area, delta, s.peerAddr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for key vals from %s: %w", s.peerAddr, ctx.Err())
	}
}

// sendFlood pushes delta to the peer, applying the TTL decrement to
// finite-TTL records before they go out (§6.2).
func (s *Session) sendFlood(ctx context.Context, delta map[string]record.Record) error {
	s.mu.Lock()
	conn := s.conn
	established := s.state == StateEstablished
	s.mu.Unlock()
	if conn == nil || !established {
		return fmt.Errorf("sync: session %s is not established", s.peerAddr)
	}

	return conn.Send(ctx, wire.Message{
		Area:    s.area,
		Kind:    wire.KindFloodPub,
		KeyVals: toWireMap(s.applyTTLDecrementAll(delta)),
	})
}

// applyTTLDecrementAll applies applyTTLDecrement to every record in vals,
// used on every path that re-floods records already held in the store
// (§6.2): the delta flood, the initial-sync push, the flooded response
// to a peer's ToBeUpdatedKeys, and the KEY_VALS_RESP answer to a
// KEY_GET_REQ — anywhere a finite TTL could
// otherwise be re-sent unchanged and amplify indefinitely.
func (s *Session) applyTTLDecrementAll(vals map[string]record.Record) map[string]record.Record {
	out := make(map[string]record.Record, len(vals))
	for k, rec := range vals {
		out[k] = s.applyTTLDecrement(rec)
	}
	return out
}

func (s *Session) applyTTLDecrement(rec record.Record) record.Record {
	if rec.TTL == record.TTLInfinity || s.cfg.TTLDecrement <= 0 {
		return rec
	}
	out := rec
	out.TTL -= s.cfg.TTLDecrement
	if out.TTL < 1 {
		out.TTL = 1
	}
	return out
}
