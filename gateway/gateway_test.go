/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/execnetgo/execnet/gwerr"
)

func newTransportPair() (Transport, Transport) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	masterSide := NewStreamTransport(r1, w2)
	slaveSide := NewStreamTransport(r2, w1)
	return masterSide, slaveSide
}

// setupPair wires a master BaseGateway and a slave SlaveGateway over an
// in-process pipe pair. register runs before the slave starts serving, so
// handlers are in place before any CHANNEL_EXEC can race against them.
func setupPair(t *testing.T, register func(*SlaveGateway)) (master *BaseGateway, cancel func()) {
	t.Helper()
	mt, st := newTransportPair()
	master = NewBaseGateway("master", mt, 1, nil)
	slave := NewSlaveGateway("slave", st, 2)
	if register != nil {
		register(slave)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	master.Start(ctx)
	go slave.Serve(ctx)
	return master, cancelCtx
}

func TestEndToEndEcho(t *testing.T) {
	master, cancel := setupPair(t, func(sg *SlaveGateway) {
		sg.Register("echo", func(ch *Channel, _ Value) {
			for {
				v, err := ch.Receive(context.Background(), -1)
				if err != nil {
					return
				}
				if err := ch.Send(v); err != nil {
					return
				}
			}
		})
	})
	defer cancel()

	ch, err := master.RemoteExec("echo", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	for _, item := range []Value{"hello", 42, 3.5, []byte("raw")} {
		if err := ch.Send(item); err != nil {
			t.Fatalf("Send(%v): %v", item, err)
		}
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		got, err := ch.Receive(ctx, 2*time.Second)
		done()
		if err != nil {
			t.Fatalf("Receive after sending %v: %v", item, err)
		}
		if !valueEqual(item, got) {
			t.Fatalf("echo(%v) = %v", item, got)
		}
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEndToEndRemoteException(t *testing.T) {
	master, cancel := setupPair(t, func(sg *SlaveGateway) {
		sg.Register("boom", func(ch *Channel, _ Value) {
			panic("synthetic remote failure")
		})
	})
	defer cancel()

	ch, err := master.RemoteExec("boom", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	_, err = ch.Receive(context.Background(), 2*time.Second)
	re, ok := err.(*gwerr.RemoteError)
	if !ok {
		t.Fatalf("Receive() error = %v (%T), want *gwerr.RemoteError", err, err)
	}
	if re.Formatted != `handler "boom" panicked: synthetic remote failure` {
		t.Fatalf("RemoteError.Formatted = %q", re.Formatted)
	}
}

func TestEndToEndTimeout(t *testing.T) {
	master, cancel := setupPair(t, func(sg *SlaveGateway) {
		sg.Register("silent", func(ch *Channel, _ Value) {
			<-make(chan struct{}) // never sends, never closes on its own
		})
	})
	defer cancel()

	ch, err := master.RemoteExec("silent", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	_, err = ch.Receive(context.Background(), 50*time.Millisecond)
	if _, ok := err.(*gwerr.TimeoutError); !ok {
		t.Fatalf("Receive() error = %v (%T), want *gwerr.TimeoutError", err, err)
	}
}

func TestEndToEndCallbackDelivery(t *testing.T) {
	master, cancel := setupPair(t, func(sg *SlaveGateway) {
		sg.Register("count", func(ch *Channel, _ Value) {
			for i := 0; i < 3; i++ {
				_ = ch.Send(i)
			}
		})
	})
	defer cancel()

	ch, err := master.RemoteExec("count", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}

	received := make(chan Value, 16)
	endmarkerSeen := make(chan struct{})
	err = ch.SetCallback(func(v Value) {
		if v == "END" {
			close(endmarkerSeen)
			return
		}
		received <- v
	}, "END", true)
	if err != nil {
		t.Fatalf("SetCallback: %v", err)
	}

	select {
	case <-endmarkerSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("endmarker never delivered")
	}
	close(received)
	var got []Value
	for v := range received {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("callback delivered %#v", got)
	}
}

func TestEndToEndUnknownHandlerIsRefused(t *testing.T) {
	master, cancel := setupPair(t, nil)
	defer cancel()

	ch, err := master.RemoteExec("does-not-exist", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	_, err = ch.Receive(context.Background(), 2*time.Second)
	if _, ok := err.(*gwerr.RemoteError); !ok {
		t.Fatalf("Receive() error = %v (%T), want *gwerr.RemoteError", err, err)
	}
}

func TestEndToEndGatewayTerminate(t *testing.T) {
	master, cancel := setupPair(t, nil)
	defer cancel()

	if err := master.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := master.RemoteExec("echo", nil); err == nil {
		t.Fatal("expected RemoteExec to fail once the gateway has terminated")
	}
}

// TestEndToEndGatewayTerminateUnblocksRunningHandler exercises the grace
// period against a handler that is still running when GATEWAY_TERMINATE
// arrives: it proves handleTerminate actually reaches
// SlaveGateway.TerminateExecution (rather than leaving Serve's final wait
// unbounded) without ever letting the grace period elapse, since that branch
// hard-exits the process.
func TestEndToEndGatewayTerminateUnblocksRunningHandler(t *testing.T) {
	mt, st := newTransportPair()
	master := NewBaseGateway("master", mt, 1, nil)
	slave := NewSlaveGateway("slave", st, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	slave.Register("block", func(ch *Channel, _ Value) {
		close(started)
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	serveDone := make(chan error, 1)
	go func() { serveDone <- slave.Serve(ctx) }()

	if _, err := master.RemoteExec("block", nil); err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	if err := master.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	// gatewayTerminated flips terminating synchronously, well before the
	// handler below is allowed to return, proving the flag isn't just set
	// after the fact once everything has already wound down.
	deadline := time.Now().Add(2 * time.Second)
	for !slave.terminating.Load() {
		if time.Now().After(deadline) {
			t.Fatal("slave never marked itself terminating after GATEWAY_TERMINATE")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return once the in-flight handler finished after GATEWAY_TERMINATE")
	}
}

func TestEndToEndConcurrentRemoteStatus(t *testing.T) {
	mt, st := newTransportPair()
	master := NewBaseGateway("master", mt, 1, nil)
	slave := NewSlaveGateway("slave", st, 2)

	release := make(chan struct{})
	defer close(release)
	slave.Register("block", func(ch *Channel, _ Value) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	master.Start(ctx)
	go slave.Serve(ctx)

	blocked, err := master.RemoteExec("block", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	defer blocked.Close()
	time.Sleep(20 * time.Millisecond) // let the handler actually start

	const n = 8
	type result struct {
		dict *Dict
		err  error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			rctx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			d, err := master.RemoteStatus(rctx)
			results <- result{d, err}
		}()
	}
	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("RemoteStatus: %v", r.err)
		}
		execq, ok := r.dict.Get("execqsize")
		if !ok {
			t.Fatalf("status reply missing execqsize: %#v", r.dict)
		}
		if _, ok := r.dict.Get("numchannels"); !ok {
			t.Fatalf("status reply missing numchannels: %#v", r.dict)
		}
		if _, ok := r.dict.Get("numexecuting"); !ok {
			t.Fatalf("status reply missing numexecuting: %#v", r.dict)
		}
		if got, ok := execq.(int); !ok || got < 0 {
			t.Fatalf("execqsize = %#v, want a non-negative int", execq)
		}
	}
}

func TestEndToEndTransportByteCountersIncrement(t *testing.T) {
	master, cancel := setupPair(t, func(sg *SlaveGateway) {
		sg.Register("echo", func(ch *Channel, _ Value) {
			v, err := ch.Receive(context.Background(), 2*time.Second)
			if err == nil {
				_ = ch.Send(v)
			}
		})
	})
	defer cancel()

	before := testutil.ToFloat64(master.Metrics().BytesSent)

	ch, err := master.RemoteExec("echo", nil)
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	if err := ch.Send("payload"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := ch.Receive(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	after := testutil.ToFloat64(master.Metrics().BytesSent)
	if after <= before {
		t.Fatalf("BytesSent did not increase: before=%v after=%v", before, after)
	}
	if v := testutil.ToFloat64(master.Metrics().BytesReceived); v <= 0 {
		t.Fatalf("BytesReceived = %v, want > 0 after receiving a reply", v)
	}
}
