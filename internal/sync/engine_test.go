package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/linkstate/kvstore/internal/record"
	"github.com/linkstate/kvstore/internal/store"
	"github.com/linkstate/kvstore/internal/transport"
)

// pipeDialer hands out the client half of a fresh net.Pipe for every
// Dial call, delivering the server half to a channel the test drains
// into Engine.AcceptInbound — standing in for a real listener.
type pipeDialer struct {
	serverHalves chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{serverHalves: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	client, server := net.Pipe()
	d.serverHalves <- server
	return newPipeConn(client), nil
}

func TestEngineFloodsAcceptedDeltaToOtherEstablishedPeers(t *testing.T) {
	logger := zap.NewNop()
	cfg := Config{FullSyncTimeout: time.Second, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

	// nodeA dials nodeB and nodeC through the same pipeDialer plumbing;
	// each Dial call is answered by a matching AcceptInbound on the
	// "server" engine so the three-way sync can complete.
	dialerToB := newPipeDialer()
	dialerToC := newPipeDialer()

	areaA := store.New("0", time.Now)
	engineA := New("A", &multiDialer{byAddr: map[string]*pipeDialer{"B": dialerToB, "C": dialerToC}}, cfg, logger)
	engineA.AddArea(areaA)

	areaB := store.New("0", time.Now)
	engineB := New("B", nil, cfg, logger)
	engineB.AddArea(areaB)

	areaC := store.New("0", time.Now)
	engineC := New("C", nil, cfg, logger)
	engineC.AddArea(areaC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engineA.PeerUp(ctx, "0", "B"); err != nil {
		t.Fatalf("PeerUp(B): %v", err)
	}
	if err := engineA.PeerUp(ctx, "0", "C"); err != nil {
		t.Fatalf("PeerUp(C): %v", err)
	}

	go func() {
		server := <-dialerToB.serverHalves
		_ = engineB.AcceptInbound(ctx, "0", newPipeConn(server))
	}()
	go func() {
		server := <-dialerToC.serverHalves
		_ = engineC.AcceptInbound(ctx, "0", newPipeConn(server))
	}()

	waitForState(t, engineA, "0", "B", StateEstablished)
	waitForState(t, engineA, "0", "C", StateEstablished)

	// B originates a write and floods it to A (as a Node would after a
	// local Set); A should accept it from B's session and flood it
	// onward to C, even though A issued no local write itself.
	delta := areaB.SetKeyVals(context.Background(), map[string]record.Record{
		"from-b": rec(1, "B", "hello"),
	})
	if err := engineB.Flood(context.Background(), "0", delta, ""); err != nil {
		t.Fatalf("engineB.Flood: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		got := areaC.GetKeyVals(context.Background(), []string{"from-b"})
		if len(got) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("C never received B's record via A's flood fanout")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type multiDialer struct {
	byAddr map[string]*pipeDialer
}

func (m *multiDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	return m.byAddr[addr].Dial(ctx, addr)
}

func waitForState(t *testing.T, e *Engine, area, peer string, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if e.PeerStates(area)[peer] == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer %s never reached state %s", peer, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
