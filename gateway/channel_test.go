/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/execnetgo/execnet/gwerr"
)

// fakeLink's sent log is guarded by a mutex because the GC finalizer test in
// factory_suite_test.go calls sendMsg from a finalizer goroutine running
// concurrently with the test goroutine.
type fakeLink struct {
	mu   sync.Mutex
	sent []*Message
	err  error
}

func (f *fakeLink) sendMsg(msgtype MsgType, channelID uint32, payload Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, &Message{Type: msgtype, ChannelID: channelID, Payload: payload})
	return nil
}

func (f *fakeLink) Sent() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeLink) traceID() string              { return "test" }
func (f *fakeLink) withReceiveLock(fn func())    { fn() }
func (f *fakeLink) gatewayError() error          { return f.err }

func TestChannelSendRejectsWhenClosed(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Send("x"); err == nil {
		t.Fatal("expected Send on a closed channel to fail")
	}
}

func TestChannelSendEncodesAMessage(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 5)
	if err := ch.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(link.sent))
	}
	m := link.sent[0]
	if m.Type != MsgChannelData || m.ChannelID != 5 || m.Payload != "hello" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestChannelReceiveOrdering(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	ch.items.pushBack(1)
	ch.items.pushBack(2)
	ch.items.pushBack(3)

	for _, want := range []Value{1, 2, 3} {
		got, err := ch.Receive(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if got != want {
			t.Fatalf("Receive() = %v, want %v", got, want)
		}
	}
}

func TestChannelReceiveAfterCloseReturnsEOF(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	ch.items.pushBack("last")
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil || got != "last" {
		t.Fatalf("Receive() = %v, %v, want last item", got, err)
	}
	_, err = ch.Receive(context.Background(), time.Second)
	if err != io.EOF {
		t.Fatalf("Receive() after drain = %v, want io.EOF", err)
	}
}

func TestChannelReceiveSurfacesRemoteError(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	ch.localClose(gwerr.NewRemoteError("boom"), false)

	_, err := ch.Receive(context.Background(), time.Second)
	re, ok := err.(*gwerr.RemoteError)
	if !ok || re.Formatted != "boom" {
		t.Fatalf("Receive() error = %v, want RemoteError(boom)", err)
	}
}

func TestChannelReceiveTimesOut(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	_, err := ch.Receive(context.Background(), 10*time.Millisecond)
	if _, ok := err.(*gwerr.TimeoutError); !ok {
		t.Fatalf("Receive() error = %v (%T), want *gwerr.TimeoutError", err, err)
	}
}

func TestChannelReceiveRejectsOnceCallbackSet(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	if err := ch.SetCallback(func(Value) {}, nil, false); err != nil {
		t.Fatalf("SetCallback: %v", err)
	}
	_, err := ch.Receive(context.Background(), time.Second)
	if _, ok := err.(*gwerr.ChannelClosed); !ok {
		t.Fatalf("Receive() error = %v (%T), want *gwerr.ChannelClosed", err, err)
	}
}

func TestChannelSetCallbackDrainsQueueInOrder(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	ch.items.pushBack("a")
	ch.items.pushBack("b")

	var got []Value
	if err := ch.SetCallback(func(v Value) { got = append(got, v) }, nil, false); err != nil {
		t.Fatalf("SetCallback: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("drained callback values = %#v", got)
	}
}

func TestChannelSetCallbackFiresEndmarkerOnceOnClose(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	ch.items.pushBack("a")
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := 0
	var got Value
	err := ch.SetCallback(func(v Value) {
		calls++
		got = v
	}, "END", true)
	if err != nil {
		t.Fatalf("SetCallback: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 callback invocations (data then endmarker), got %d", calls)
	}
	if got != "END" {
		t.Fatalf("last callback value = %v, want END", got)
	}
}

func TestChannelWaitCloseUnblocksOnClose(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	done := make(chan error, 1)
	go func() { done <- ch.WaitClose(context.Background(), -1) }()

	select {
	case <-done:
		t.Fatal("WaitClose returned before Close")
	case <-time.After(20 * time.Millisecond):
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitClose() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitClose did not unblock after Close")
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected exactly one CHANNEL_CLOSE sent, got %d", len(link.sent))
	}
}

func TestChannelCloseRejectedWhileExecuting(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 1)
	ch.setExecuting(true)
	if err := ch.Close(); err == nil {
		t.Fatal("expected Close to be rejected while executing")
	}
}

func TestChannelFinalizeWithoutCallbackSendsClose(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 7)
	ch.factoryNoLongerOpened()

	sent := link.Sent()
	if len(sent) != 1 || sent[0].Type != MsgChannelClose || sent[0].ChannelID != 7 {
		t.Fatalf("finalizing an open channel with no callback sent %#v, want one CHANNEL_CLOSE", sent)
	}
	if !ch.IsClosed() {
		t.Fatal("finalized channel should be marked closed")
	}
}

func TestChannelFinalizeWithCallbackSendsLastMessage(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 9)
	if err := ch.SetCallback(func(Value) {}, nil, false); err != nil {
		t.Fatalf("SetCallback: %v", err)
	}
	ch.factoryNoLongerOpened()

	sent := link.Sent()
	if len(sent) != 1 || sent[0].Type != MsgChannelLastMessage || sent[0].ChannelID != 9 {
		t.Fatalf("finalizing a channel with a callback sent %#v, want one CHANNEL_LAST_MESSAGE", sent)
	}
}

func TestChannelFinalizeAfterExplicitCloseSendsNothingMore(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 3)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close() already ran factoryNoLongerOpened() once; the runtime finalizer
	// calls it again on GC, and it must not double-send.
	ch.factoryNoLongerOpened()

	sent := link.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly the original CHANNEL_CLOSE, got %#v", sent)
	}
}

func TestChannelFinalizeAfterRemoteCloseWarnsUnreadErrors(t *testing.T) {
	link := &fakeLink{}
	ch := newChannel(link, 4)
	ch.localClose(gwerr.NewRemoteError("never read"), false)
	ch.factoryNoLongerOpened()

	if len(link.Sent()) != 0 {
		t.Fatalf("a channel the peer already closed should not emit another frame on finalize, got %#v", link.Sent())
	}
}
