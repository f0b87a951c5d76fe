/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"runtime"
	"sync"
	"weak"

	"github.com/execnetgo/execnet/gwerr"
)

type callbackEntry struct {
	fn           func(Value)
	endmarker    Value
	hasEndmarker bool
}

// ChannelFactory allocates Channel objects and tracks them with weak
// references, so a Channel the caller has otherwise dropped can be reclaimed
// by the garbage collector instead of leaking for the life of the gateway.
// Local ids step by two from startcount: a master and its slave each own a
// disjoint half of the id space, so locally-initiated channels from either
// side never collide on the wire.
type ChannelFactory struct {
	gw gatewayLink

	mu        sync.Mutex
	counter   uint32
	channels  map[uint32]weak.Pointer[Channel]
	callbacks map[uint32]callbackEntry
	finished  bool
}

func NewChannelFactory(gw gatewayLink, startcount uint32) *ChannelFactory {
	return &ChannelFactory{
		gw:        gw,
		counter:   startcount,
		channels:  make(map[uint32]weak.Pointer[Channel]),
		callbacks: make(map[uint32]callbackEntry),
	}
}

func (f *ChannelFactory) nextID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.counter
	f.counter += 2
	return id
}

// New allocates a fresh, locally-initiated channel.
func (f *ChannelFactory) New() (*Channel, error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return nil, gwerr.NewChannelClosed("gateway %s has terminated, cannot open new channels", f.gw.traceID())
	}
	f.mu.Unlock()
	return f.newWithID(f.nextID()), nil
}

// NewWithID returns the live channel for id if one is already tracked,
// otherwise constructs and tracks a new one bound to that id. This is how a
// CHANNEL opcode decoded off the wire resolves to a Channel object: the peer
// named an id from its own half of the space.
func (f *ChannelFactory) NewWithID(id uint32) (*Channel, error) {
	if ch, ok := f.get(id); ok {
		return ch, nil
	}
	return f.newWithID(id), nil
}

func (f *ChannelFactory) newWithID(id uint32) *Channel {
	ch := newChannel(f.gw, id)
	ch.onClose = f.noLongerOpened
	ch.onRegisterCallback = f.registerCallback
	f.mu.Lock()
	f.channels[id] = weak.Make(ch)
	f.mu.Unlock()
	runtime.SetFinalizer(ch, (*Channel).factoryNoLongerOpened)
	return ch
}

func (f *ChannelFactory) get(id uint32) (*Channel, bool) {
	f.mu.Lock()
	wp, ok := f.channels[id]
	f.mu.Unlock()
	if !ok {
		return nil, false
	}
	ch := wp.Value()
	return ch, ch != nil
}

// Channels returns a snapshot of every channel currently reachable through
// the factory (i.e. not yet garbage-collected or explicitly dropped).
func (f *ChannelFactory) Channels() []*Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Channel, 0, len(f.channels))
	for _, wp := range f.channels {
		if ch := wp.Value(); ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

func (f *ChannelFactory) registerCallback(id uint32, fn func(Value), endmarker Value, hasEndmarker bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[id] = callbackEntry{fn: fn, endmarker: endmarker, hasEndmarker: hasEndmarker}
}

// noLongerOpened drops the bookkeeping for id. It runs both when a channel
// is explicitly closed and when the garbage collector finalizes an
// unreferenced Channel, so it must be idempotent.
func (f *ChannelFactory) noLongerOpened(id uint32) {
	f.mu.Lock()
	delete(f.channels, id)
	entry, ok := f.callbacks[id]
	if ok {
		delete(f.callbacks, id)
	}
	f.mu.Unlock()
	if ok && entry.hasEndmarker {
		entry.fn(entry.endmarker)
	}
}

// localReceive routes one CHANNEL_DATA payload to channel id: to its
// callback if one is registered, otherwise onto its FIFO for a future
// Receive call. If the channel is unknown (already reclaimed), the payload
// is silently dropped, matching a peer that kept sending after our side
// dropped its last reference.
func (f *ChannelFactory) localReceive(id uint32, payload Value) {
	ch, ok := f.get(id)
	if !ok {
		return
	}
	ch.mu.Lock()
	fn := ch.callback
	items := ch.items
	ch.mu.Unlock()
	if fn != nil {
		fn(payload)
		return
	}
	if items != nil {
		items.pushBack(payload)
	}
}

// localCloseChannel applies a peer-initiated close/close-error/last-message
// frame to channel id. When the channel has already been reclaimed locally,
// a carried error is only logged: there is nobody left to deliver it to.
func (f *ChannelFactory) localCloseChannel(id uint32, remoteErr *gwerr.RemoteError, sendonly bool) {
	ch, ok := f.get(id)
	if !ok {
		f.noLongerOpened(id)
		if remoteErr != nil {
			remoteErr.Warn()
		}
		return
	}
	ch.localClose(remoteErr, sendonly)
	f.noLongerOpened(id)
}

// finish marks the factory terminated: New() starts refusing further
// allocations. Existing channels remain usable for whatever draining the
// gateway still needs to do.
func (f *ChannelFactory) finish() {
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
}
