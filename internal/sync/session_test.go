package sync

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/linkstate/kvstore/internal/filter"
	"github.com/linkstate/kvstore/internal/record"
	"github.com/linkstate/kvstore/internal/store"
	"github.com/linkstate/kvstore/internal/transport"
	"github.com/linkstate/kvstore/internal/wire"
)

// pipeConn adapts a net.Conn (a net.Pipe half, in tests) to
// transport.Conn, mirroring the framing in internal/transport's tcpConn
// but keeping one persistent bufio.Reader across calls as Decode
// requires.
type pipeConn struct {
	c net.Conn
	r *bufio.Reader
}

func newPipeConn(c net.Conn) *pipeConn {
	return &pipeConn{c: c, r: bufio.NewReader(c)}
}

func (p *pipeConn) Send(ctx context.Context, msg wire.Message) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.c.SetWriteDeadline(deadline)
	} else {
		_ = p.c.SetWriteDeadline(time.Time{})
	}
	return wire.Encode(p.c, msg)
}

func (p *pipeConn) Recv(ctx context.Context) (wire.Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.c.SetReadDeadline(deadline)
	} else {
		_ = p.c.SetReadDeadline(time.Time{})
	}
	return wire.Decode(p.r)
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }
func (p *pipeConn) Close() error       { return p.c.Close() }

func newPipePair(t *testing.T) (transport.Conn, transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return newPipeConn(a), newPipeConn(b)
}

func rec(version uint64, originator, value string) record.Record {
	return record.Record{
		Version:      version,
		OriginatorID: originator,
		HasValue:     true,
		Value:        []byte(value),
		TTL:          record.TTLInfinity,
	}
}

// TestThreeWaySyncConverges runs a real Session on both ends of an
// in-process pipe and checks that two stores with disjoint keys converge
// to the union after a full sync handshake.
func TestThreeWaySyncConverges(t *testing.T) {
	clientConn, serverConn := newPipePair(t)

	clientStore := store.New("0", time.Now)
	clientStore.SetKeyVals(context.Background(), map[string]record.Record{
		"only-on-client": rec(1, "client", "c1"),
	})

	serverStore := store.New("0", time.Now)
	serverStore.SetKeyVals(context.Background(), map[string]record.Record{
		"only-on-server": rec(1, "server", "s1"),
	})

	cfg := Config{FullSyncTimeout: 2 * time.Second}
	clientSess := newSession("0", "server-addr", clientStore, func() *filter.Filter { return nil }, cfg, nil, nil)
	serverSess := newSession("0", "client-addr", serverStore, func() *filter.Filter { return nil }, cfg, nil, nil)

	done := make(chan error, 2)
	go func() { done <- clientSess.attach(context.Background(), clientConn) }()
	go func() { done <- serverSess.attach(context.Background(), serverConn) }()

	deadline := time.After(3 * time.Second)
	for {
		clientVals := clientStore.GetKeyVals(context.Background(), []string{"only-on-client", "only-on-server"})
		serverVals := serverStore.GetKeyVals(context.Background(), []string{"only-on-client", "only-on-server"})
		if len(clientVals) == 2 && len(serverVals) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stores did not converge: client=%v server=%v", clientVals, serverVals)
		case <-time.After(10 * time.Millisecond):
		}
	}

	_ = clientConn.Close()
	_ = serverConn.Close()
}

// TestRunInitialSyncTimesOutWithoutPeerResponse ensures a session that
// never receives a hash dump response fails closed rather than hanging.
func TestRunInitialSyncTimesOutWithoutPeerResponse(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()

	st := store.New("0", time.Now)
	cfg := Config{FullSyncTimeout: 50 * time.Millisecond}
	sess := newSession("0", "peer", st, func() *filter.Filter { return nil }, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := sess.attach(ctx, newPipeConn(client))
	if err == nil {
		t.Fatalf("expected initial sync to fail without a peer response")
	}
}
