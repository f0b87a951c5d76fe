/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/execnetgo/execnet/gwerr"
	"github.com/execnetgo/execnet/gwlog"
	"github.com/execnetgo/execnet/gwmetrics"
)

// ExecHost is consulted whenever a CHANNEL_EXEC frame arrives. BaseGateway's
// default refuses all execution; SlaveGateway installs a host that dispatches
// into its registered handler table (see slave.go). Splitting this out is
// how this package gets the master/slave behavioral split the reference
// implementation gets for free from subclassing BaseGateway.
type ExecHost interface {
	ScheduleExec(ch *Channel, spec Value) error
}

type disallowExecHost struct{}

func (disallowExecHost) ScheduleExec(ch *Channel, _ Value) error {
	return ch.CloseWithError("execution disallowed")
}

// terminationAware lets a host react to a received GATEWAY_TERMINATE beyond
// the receive loop tearing itself down. SlaveGateway implements it to run
// its grace-then-exit policy against any in-flight exec handlers; the
// default host (a master) has nothing more to do.
type terminationAware interface {
	gatewayTerminated()
}

// execQueueSizer lets a host report how many CHANNEL_EXEC requests are
// waiting to run, for the STATUS reply's execqsize field. SlaveGateway is
// the only host that queues anything.
type execQueueSizer interface {
	execQueueLen() int
}

// countingTransport wraps a Transport to tally raw bytes moved, the role
// transport's EndpointStats/collect.go plays for aistore's object streams.
type countingTransport struct {
	Transport
	metrics *gwmetrics.Metrics
}

func (t *countingTransport) Write(data []byte) error {
	err := t.Transport.Write(data)
	if err == nil {
		t.metrics.BytesSent.Add(float64(len(data)))
	}
	return err
}

func (t *countingTransport) ReadExact(n int) ([]byte, error) {
	b, err := t.Transport.ReadExact(n)
	if err == nil {
		t.metrics.BytesReceived.Add(float64(len(b)))
	}
	return b, err
}

// BaseGateway owns one end of a multiplexed connection: the transport, the
// (de)serializers sharing it, the channel factory, and the receiver task
// that keeps pulling frames off the wire and routing them. See spec.md §4.7.
type BaseGateway struct {
	id        string
	transport Transport
	ser       *Serializer
	deser     *Deserializer
	factory   *ChannelFactory
	host      ExecHost
	metrics   *gwmetrics.Metrics

	sendMu    sync.Mutex
	receiveMu sync.Mutex

	statusMu      sync.Mutex
	statusCounter uint32
	statusWaiters map[uint32]chan Value

	fatalErr atomic.Value // error

	eg    *errgroup.Group
	egCtx context.Context
}

// NewBaseGateway wires a gateway around transport. startcount seeds the
// channel id space (see ChannelFactory); host may be nil, in which case
// remote execution is refused. id is used only for tracing/metrics labels.
func NewBaseGateway(id string, transport Transport, startcount uint32, host ExecHost) *BaseGateway {
	return newBaseGateway("master", id, transport, startcount, host)
}

func newBaseGateway(role, id string, transport Transport, startcount uint32, host ExecHost) *BaseGateway {
	if host == nil {
		host = disallowExecHost{}
	}
	metrics := gwmetrics.New(role, id)
	g := &BaseGateway{
		id:            id,
		transport:     &countingTransport{Transport: transport, metrics: metrics},
		host:          host,
		metrics:       metrics,
		statusWaiters: make(map[uint32]chan Value),
	}
	g.ser = NewSerializer(g.transport)
	g.factory = NewChannelFactory(g, startcount)
	g.deser = NewDeserializer(g.transport, g.factory)
	return g
}

// Metrics exposes the gateway's prometheus collectors so callers can
// register them against their own registry.
func (g *BaseGateway) Metrics() *gwmetrics.Metrics { return g.metrics }

// Factory returns the gateway's channel factory, for callers that need to
// open locally-initiated channels (e.g. remote_exec).
func (g *BaseGateway) Factory() *ChannelFactory { return g.factory }

// RemoteExec allocates a fresh channel and asks the peer to run its
// registered handler name against args, with replies/sends flowing over the
// returned channel. The peer decides whether name is known; a refusal
// surfaces as a CHANNEL_CLOSE_ERROR, visible on the first Receive/WaitClose.
func (g *BaseGateway) RemoteExec(name string, args Value) (*Channel, error) {
	ch, err := g.factory.New()
	if err != nil {
		return nil, err
	}
	if err := g.sendMsg(MsgChannelExec, ch.ID(), Tuple{name, args}); err != nil {
		return nil, err
	}
	return ch, nil
}

// Start launches the receiver task. Wait blocks until it exits, which
// happens on transport EOF or a fatal protocol error. ctx is checked only
// between frames: cancelling it does not interrupt a read that is already
// blocked, so the task exits on cancellation only once that read returns.
func (g *BaseGateway) Start(ctx context.Context) {
	g.eg, g.egCtx = errgroup.WithContext(ctx)
	g.eg.Go(func() error { return g.receiveLoop(g.egCtx) })
}

func (g *BaseGateway) Wait() error {
	if g.eg == nil {
		return nil
	}
	return g.eg.Wait()
}

func (g *BaseGateway) traceID() string { return g.id }

func (g *BaseGateway) withReceiveLock(fn func()) {
	g.receiveMu.Lock()
	defer g.receiveMu.Unlock()
	fn()
}

func (g *BaseGateway) gatewayError() error {
	if v := g.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (g *BaseGateway) setFatal(err error) {
	g.fatalErr.CompareAndSwap(nil, err)
}

func (g *BaseGateway) sendMsg(msgtype MsgType, channelID uint32, payload Value) error {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if gwlog.Enabled() {
		gwlog.FrameTrace(g.id, int(msgtype), channelID, fmt.Sprintf("%T", payload))
	}
	m := &Message{Type: msgtype, ChannelID: channelID, Payload: payload}
	if err := m.WriteTo(g.ser); err != nil {
		return gwerr.Wrapf(err, "sending %s on channel %d", msgtype, channelID)
	}
	g.metrics.FramesSent.Inc()
	return nil
}

func (g *BaseGateway) receiveLoop(ctx context.Context) error {
	defer g.closeTransportQuietly()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := ReadMessage(g.deser)
		if err != nil {
			g.setFatal(err)
			g.shutdownChannels()
			if _, ok := err.(*gwerr.TransportEOF); ok {
				return nil
			}
			return err
		}
		g.metrics.FramesReceived.Inc()
		g.dispatch(msg)
	}
}

func (g *BaseGateway) closeTransportQuietly() {
	_ = g.transport.CloseRead()
}

func (g *BaseGateway) shutdownChannels() {
	for _, ch := range g.factory.Channels() {
		ch.localClose(nil, false)
	}
}

func (g *BaseGateway) dispatch(msg *Message) {
	switch msg.Type {
	case MsgChannelData:
		g.withReceiveLock(func() { g.factory.localReceive(msg.ChannelID, msg.Payload) })
	case MsgChannelClose:
		g.withReceiveLock(func() { g.factory.localCloseChannel(msg.ChannelID, nil, false) })
	case MsgChannelCloseError:
		text, _ := msg.Payload.(string)
		g.withReceiveLock(func() {
			g.factory.localCloseChannel(msg.ChannelID, gwerr.NewRemoteError(text), false)
		})
	case MsgChannelLastMessage:
		g.withReceiveLock(func() { g.factory.localCloseChannel(msg.ChannelID, nil, true) })
	case MsgChannelExec:
		g.handleExec(msg)
	case MsgStatus:
		g.handleStatus(msg)
	case MsgGatewayTerminate:
		g.handleTerminate()
	default:
		gwlog.Trace(g.id, "dropping unknown message type", msg.Type)
	}
}

func (g *BaseGateway) handleExec(msg *Message) {
	ch, err := g.factory.NewWithID(msg.ChannelID)
	if err != nil {
		gwlog.Trace(g.id, "exec request for dead factory:", err)
		return
	}
	if err := g.host.ScheduleExec(ch, msg.Payload); err != nil {
		_ = ch.CloseWithError(err.Error())
	}
}

// noChannelID marks a frame whose channel-id slot carries no channel
// reference at all (GATEWAY_TERMINATE doesn't need one). STATUS instead
// reuses the slot as a request/reply correlation id chosen by the sender;
// it never allocates or registers an actual Channel either way.
const noChannelID = 0

func (g *BaseGateway) handleStatus(msg *Message) {
	if msg.Payload == nil {
		execq := 0
		if sizer, ok := g.host.(execQueueSizer); ok {
			execq = sizer.execQueueLen()
		}
		numChannels := len(g.factory.Channels())
		numExecuting := g.numExecuting()
		g.metrics.ExecQSize.Set(float64(execq))
		g.metrics.NumChannels.Set(float64(numChannels))
		g.metrics.NumExecuting.Set(float64(numExecuting))
		reply := NewDict()
		reply.Set("execqsize", execq)
		reply.Set("numchannels", numChannels)
		reply.Set("numexecuting", numExecuting)
		// Reply on the sender's chosen id, not a fixed one: two concurrent
		// RemoteStatus calls from the peer use distinct ids and must not
		// be able to clobber each other's reply.
		_ = g.sendMsg(MsgStatus, msg.ChannelID, reply)
		return
	}
	g.statusMu.Lock()
	waiter, ok := g.statusWaiters[msg.ChannelID]
	if ok {
		delete(g.statusWaiters, msg.ChannelID)
	}
	g.statusMu.Unlock()
	if ok {
		waiter <- msg.Payload
	}
}

// RemoteStatus asks the peer for an execqsize/numchannels/numexecuting
// snapshot. Each call picks its own correlation id so concurrent callers
// don't race on the same reply.
func (g *BaseGateway) RemoteStatus(ctx context.Context) (*Dict, error) {
	g.statusMu.Lock()
	g.statusCounter++
	id := g.statusCounter
	wait := make(chan Value, 1)
	g.statusWaiters[id] = wait
	g.statusMu.Unlock()

	cleanup := func() {
		g.statusMu.Lock()
		delete(g.statusWaiters, id)
		g.statusMu.Unlock()
	}

	if err := g.sendMsg(MsgStatus, id, nil); err != nil {
		cleanup()
		return nil, err
	}
	select {
	case v := <-wait:
		d, ok := v.(*Dict)
		if !ok {
			return nil, gwerr.NewUnserializationError("malformed status reply %#v", v)
		}
		return d, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func (g *BaseGateway) numExecuting() int {
	n := 0
	for _, ch := range g.factory.Channels() {
		if ch.isExecuting() {
			n++
		}
	}
	return n
}

func (g *BaseGateway) handleTerminate() {
	g.setFatal(gwerr.NewChannelClosed("gateway %s received GATEWAY_TERMINATE", g.id))
	g.shutdownChannels()
	_ = g.transport.CloseRead()
	if host, ok := g.host.(terminationAware); ok {
		host.gatewayTerminated()
	}
}

// Terminate asks the peer to shut down and stops accepting new local work.
func (g *BaseGateway) Terminate() error {
	g.factory.finish()
	return g.sendMsg(MsgGatewayTerminate, noChannelID, nil)
}
