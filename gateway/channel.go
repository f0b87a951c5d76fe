/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/execnetgo/execnet/gwerr"
	"github.com/execnetgo/execnet/gwlog"
)

// internalWakeup is how often a Receive/WaitClose with an unbounded timeout
// re-checks its wait condition, the Go analogue of the reference
// implementation's periodic queue.get(timeout=...) used to let an
// interactive interrupt through a blocking wait.
const internalWakeup = 1000 * time.Millisecond

type endMarkerType struct{}

// endMarker is the sentinel placed at the tail of a channel's FIFO once no
// more data will arrive; it is never visible to callers of Receive.
var endMarker Value = endMarkerType{}

// gatewayLink is the slice of BaseGateway a Channel/ChannelFactory needs:
// sending frames, tracing, reporting the gateway's own fatal error, and
// serializing state transitions against the receiver task.
type gatewayLink interface {
	sendMsg(msgtype MsgType, channelID uint32, payload Value) error
	traceID() string
	withReceiveLock(fn func())
	gatewayError() error
}

// fifo is an unbounded, thread-safe queue with channel-based wake-up so
// Receive can select between "new item", "timeout" and context cancellation
// without polling.
type fifo struct {
	mu     sync.Mutex
	items  []Value
	notify chan struct{}
}

func newFifo() *fifo {
	return &fifo{notify: make(chan struct{})}
}

func (q *fifo) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *fifo) pushBack(v Value) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.wake()
	q.mu.Unlock()
}

func (q *fifo) pushFront(v Value) {
	q.mu.Lock()
	q.items = append([]Value{v}, q.items...)
	q.wake()
	q.mu.Unlock()
}

func (q *fifo) pop() (Value, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

func (q *fifo) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

// Channel is one logical FIFO stream multiplexed over the gateway's
// transport, identified by id. See spec.md §4.5 for the full state machine.
type Channel struct {
	id uint32
	gw gatewayLink

	mu            sync.Mutex
	items         *fifo // nil once a callback has been installed
	closed        bool
	receiveClosed bool
	closedOnce    sync.Once
	closedCh      chan struct{}
	remoteErrors  []*gwerr.RemoteError
	executing     bool
	callback      func(Value)
	endmarker     Value
	hasEndmarker  bool

	// onClose and onRegisterCallback are wired by the owning ChannelFactory
	// at construction time so Channel never needs a back-reference to it.
	onClose            func(id uint32)
	onRegisterCallback func(id uint32, fn func(Value), endmarker Value, hasEndmarker bool)
}

func newChannel(gw gatewayLink, id uint32) *Channel {
	return &Channel{
		id:       id,
		gw:       gw,
		items:    newFifo(),
		closedCh: make(chan struct{}),
	}
}

// ID returns the channel's wire identifier.
func (c *Channel) ID() uint32 { return c.id }

func (c *Channel) String() string {
	if c.IsClosed() {
		return "<Channel id=" + itoa(c.id) + " closed>"
	}
	return "<Channel id=" + itoa(c.id) + " open>"
}

// IsClosed reports whether the channel has fully closed. A closed channel
// may still hold unread items.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) setExecuting(v bool) {
	c.mu.Lock()
	c.executing = v
	c.mu.Unlock()
}

func (c *Channel) isExecuting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// markReceiveClosed sets the one-shot receive_closed latch and wakes any
// WaitClose/Receive waiters; safe to call more than once.
func (c *Channel) markReceiveClosed() {
	c.closedOnce.Do(func() { close(c.closedCh) })
}

// Send transmits item to the remote side. It fails if the channel is closed;
// it may block if the transport's write blocks.
func (c *Channel) Send(item Value) error {
	if c.IsClosed() {
		return gwerr.NewChannelClosed("cannot send to channel %d: closed", c.id)
	}
	return c.gw.sendMsg(MsgChannelData, c.id, item)
}

// Close closes the channel with no error, equivalent to Python's
// channel.close(None). Rejected while the channel is bound to a running
// remote-exec body: that closure is automatic at the end of execution.
func (c *Channel) Close() error { return c.close("", false) }

// CloseWithError closes the channel, sending errText to the peer as a
// CHANNEL_CLOSE_ERROR payload.
func (c *Channel) CloseWithError(errText string) error { return c.close(errText, true) }

func (c *Channel) close(errText string, hasErr bool) error {
	c.mu.Lock()
	if c.executing {
		c.mu.Unlock()
		return gwerr.NewChannelClosed("cannot explicitly close channel within remote_exec")
	}
	if c.closed {
		c.mu.Unlock()
		gwTrace(c.gw, "ignoring redundant call to close()")
		return nil
	}
	sendAlready := c.receiveClosed
	c.closed = true
	c.receiveClosed = true
	items := c.items
	c.mu.Unlock()

	c.markReceiveClosed()
	if items != nil {
		items.pushBack(endMarker)
	}
	c.factoryNoLongerOpened()

	if sendAlready {
		return nil
	}
	var err error
	if hasErr {
		err = c.gw.sendMsg(MsgChannelCloseError, c.id, errText)
	} else {
		err = c.gw.sendMsg(MsgChannelClose, c.id, nil)
	}
	gwTrace(c.gw, "sent channel close message")
	return err
}

// localClose is invoked from the receiver task when the peer sends
// CHANNEL_CLOSE / CHANNEL_CLOSE_ERROR / CHANNEL_LAST_MESSAGE for this id.
// sendonly==true leaves the channel able to keep sending (CHANNEL_LAST_MESSAGE).
func (c *Channel) localClose(remoteErr *gwerr.RemoteError, sendonly bool) {
	c.mu.Lock()
	if remoteErr != nil {
		c.remoteErrors = append(c.remoteErrors, remoteErr)
	}
	if !sendonly {
		c.closed = true
	}
	c.receiveClosed = true
	items := c.items
	c.mu.Unlock()

	c.markReceiveClosed()
	if items != nil {
		items.pushBack(endMarker)
	}
}

// factoryNoLongerOpened runs once the channel's last strong reference is
// gone, whether that is an explicit Close()/CloseWithError() or the garbage
// collector finalizing an abandoned Channel. If the channel was still open
// at that point, nobody will ever close it again, so the peer is told here:
// CHANNEL_LAST_MESSAGE if a callback was installed (we will never receive,
// but the peer may still send until it decides to close), else CHANNEL_CLOSE.
// A channel already closed by the time this runs (the common explicit-Close
// path, or a peer-initiated close) has nothing to send; any remote_errors it
// never got read are logged instead, matching the reference implementation's
// warn-on-finalize behavior.
func (c *Channel) factoryNoLongerOpened() {
	c.mu.Lock()
	alreadyClosed := c.closed
	hasCallback := c.callback != nil
	var unread []*gwerr.RemoteError
	if !alreadyClosed {
		c.closed = true
		c.receiveClosed = true
	} else {
		unread = c.remoteErrors
		c.remoteErrors = nil
	}
	c.mu.Unlock()

	if !alreadyClosed {
		c.markReceiveClosed()
		if hasCallback {
			gwTrace(c.gw, "finalizing channel", c.id, "sending CHANNEL_LAST_MESSAGE")
			_ = c.gw.sendMsg(MsgChannelLastMessage, c.id, nil)
		} else {
			gwTrace(c.gw, "finalizing channel", c.id, "sending CHANNEL_CLOSE")
			_ = c.gw.sendMsg(MsgChannelClose, c.id, nil)
		}
	} else {
		for _, e := range unread {
			e.Warn()
		}
	}
	if c.onClose != nil {
		c.onClose(c.id)
	}
}

// WaitClose blocks until the channel is closed, or the remote side otherwise
// signalled it will send no more data. timeout<0 waits indefinitely (waking
// periodically); timeout==0 polls once; ctx, if non-nil, cancels the wait.
func (c *Channel) WaitClose(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline, hasDeadline := deadlineFor(timeout)
	for {
		select {
		case <-c.closedCh:
			return c.firstRemoteError()
		default:
		}
		wait := internalWakeup
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return gwerr.NewTimeoutError("timeout waiting for channel %d to close", c.id)
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-c.closedCh:
			return c.firstRemoteError()
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Receive blocks for an item sent from the other side. timeout<0 blocks
// indefinitely (waking periodically to let a context cancellation through);
// timeout>=0 raises TimeoutError once it elapses without an item arriving.
// Exceptions from the remote side surface as *gwerr.RemoteError; a closed
// channel with no queued error surfaces as io.EOF.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (Value, error) {
	c.mu.Lock()
	hasCallback := c.callback != nil
	items := c.items
	c.mu.Unlock()
	if hasCallback {
		return nil, gwerr.NewChannelClosed("cannot receive(), channel %d has receiver callback", c.id)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	deadline, hasDeadline := deadlineFor(timeout)
	for {
		if v, ok := items.pop(); ok {
			if v == endMarker {
				items.pushFront(endMarker)
				if err := c.firstRemoteError(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			return v, nil
		}
		wait := internalWakeup
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, gwerr.NewTimeoutError("no item on channel %d after %s", c.id, timeout)
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-items.waitChan():
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func deadlineFor(timeout time.Duration) (time.Time, bool) {
	if timeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}

// NoEndmarkerWanted tells SetCallback not to deliver a terminal value when
// the channel closes; this is the zero value of the hasEndmarker flag.
const NoEndmarkerWanted = false

// SetCallback installs fn as the receiver for every future inbound payload
// on this channel; Receive becomes an error afterwards. Already-queued items
// are drained into fn synchronously, in order, before this call returns. If
// the channel is still open once drained, fn is registered so the receiver
// task calls it directly for subsequent CHANNEL_DATA frames. If an endmarker
// is supplied, it is delivered to fn exactly once, when the end-of-channel
// marker is observed (whether during this drain or later).
func (c *Channel) SetCallback(fn func(Value), endmarker Value, hasEndmarker bool) error {
	var setupErr error
	c.gw.withReceiveLock(func() {
		c.mu.Lock()
		if c.callback != nil {
			c.mu.Unlock()
			setupErr = gwerr.NewChannelClosed("channel %d already has a callback registered", c.id)
			return
		}
		oldItems := c.items
		c.items = nil
		c.callback = fn
		c.endmarker = endmarker
		c.hasEndmarker = hasEndmarker
		closed, receiveClosed := c.closed, c.receiveClosed
		c.mu.Unlock()

		for {
			v, ok := oldItems.pop()
			if !ok {
				if !(closed || receiveClosed) {
					c.registerFactoryCallback(fn, endmarker, hasEndmarker)
				}
				return
			}
			if v == endMarker {
				oldItems.pushFront(endMarker)
				if hasEndmarker {
					fn(endmarker)
				}
				return
			}
			fn(v)
		}
	})
	return setupErr
}

func (c *Channel) registerFactoryCallback(fn func(Value), endmarker Value, hasEndmarker bool) {
	if c.onRegisterCallback != nil {
		c.onRegisterCallback(c.id, fn, endmarker, hasEndmarker)
	}
}

func (c *Channel) firstRemoteError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remoteErrors) > 0 {
		e := c.remoteErrors[0]
		c.remoteErrors = c.remoteErrors[1:]
		return e
	}
	if c.gw != nil {
		if gerr := c.gw.gatewayError(); gerr != nil {
			return gerr
		}
	}
	return nil
}

// FileWriter adapts the channel as an io.WriteCloser: every Write sends one
// item (the raw bytes) to the peer. proxyclose controls whether Close() also
// closes the channel, mirroring the reference implementation's
// ChannelFileWrite(proxyclose=...).
func (c *Channel) FileWriter(proxyClose bool) io.WriteCloser {
	return &channelFileWriter{c: c, proxyClose: proxyClose}
}

type channelFileWriter struct {
	c          *Channel
	proxyClose bool
}

func (w *channelFileWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	if err := w.c.Send(cp); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *channelFileWriter) Close() error {
	if w.proxyClose {
		return w.c.Close()
	}
	return nil
}

// FileReader adapts the channel as an io.Reader: each Receive()'d item must
// be []byte, concatenated into a rolling buffer Read serves from. Returns
// io.EOF once the channel's end-marker is reached.
func (c *Channel) FileReader(proxyClose bool) io.Reader {
	return &channelFileReader{c: c, proxyClose: proxyClose}
}

type channelFileReader struct {
	c          *Channel
	proxyClose bool
	buf        []byte
	eof        bool
}

func (r *channelFileReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 && !r.eof {
		v, err := r.c.Receive(nil, -1)
		if err == io.EOF {
			r.eof = true
			if r.proxyClose {
				_ = r.c.Close()
			}
			break
		}
		if err != nil {
			return 0, err
		}
		b, ok := v.([]byte)
		if !ok {
			return 0, gwerr.NewChannelClosed("channel %d file reader expected []byte, got %T", r.c.id, v)
		}
		r.buf = append(r.buf, b...)
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for u > 0 {
		i--
		b[i] = byte('0' + u%10)
		u /= 10
	}
	return string(b[i:])
}

func gwTrace(gw gatewayLink, msg ...any) {
	if gw == nil {
		return
	}
	gwlog.Trace(gw.traceID(), msg...)
}
