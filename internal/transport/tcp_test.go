package transport

import (
	"context"
	"testing"
	"time"

	"github.com/linkstate/kvstore/internal/wire"
)

func TestDialAcceptRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := (Dialer{Timeout: time.Second}).Dial(ctx, ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	msg := wire.Message{Area: "0", Kind: wire.KindHashDumpReq, PrefixFilter: "adj:"}
	if err := client.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Area != "0" || got.Kind != wire.KindHashDumpReq || got.PrefixFilter != "adj:" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestRecvRespectsContextDeadline(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := (Dialer{Timeout: time.Second}).Dial(context.Background(), ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.Recv(ctx); err == nil {
		t.Fatalf("expected read timeout when peer sends nothing")
	}
}
