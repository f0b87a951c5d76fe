/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/execnetgo/execnet/gwlog"
)

// ExecHandler runs one CHANNEL_EXEC request against an already-open channel.
// It may Send any number of items before returning; the channel is closed
// automatically once it returns, unless the peer has already closed it. A
// handler cannot close the channel itself: Close is rejected while the
// channel is executing. A handler that panics has its channel closed with an
// error describing the panic.
//
// The reference implementation compiles and execs arbitrary source text sent
// over the wire. Compiled Go has no such facility, so remote execution here
// is dispatch into a closed set of handlers the slave process registered
// ahead of time, named by the first element of the CHANNEL_EXEC payload
// tuple; see spec.md's Design Notes on this redesign.
type ExecHandler func(ch *Channel, args Value)

type execTask struct {
	ch   *Channel
	name string
	args Value
}

// SlaveGateway is the execution-accepting side of a gateway pair: it embeds
// BaseGateway for the wire protocol and adds the registered-handler exec
// queue, matching the reference implementation's SlaveGateway/WorkerPool
// split without Python's dynamic exec().
type SlaveGateway struct {
	*BaseGateway

	mu       sync.Mutex
	handlers map[string]ExecHandler

	execQueue   chan execTask
	wg          sync.WaitGroup
	terminating atomic.Bool

	terminationGrace time.Duration
}

// NewSlaveGateway wires a slave-role gateway around transport. Local channel
// ids for this side start at startcount and step by two, disjoint from the
// peer's half of the id space.
func NewSlaveGateway(id string, transport Transport, startcount uint32) *SlaveGateway {
	sg := &SlaveGateway{
		handlers:         make(map[string]ExecHandler),
		execQueue:        make(chan execTask, 64),
		terminationGrace: DefaultTerminationGrace,
	}
	sg.BaseGateway = newBaseGateway("slave", id, transport, startcount, sg)
	return sg
}

// SetTerminationGrace overrides DefaultTerminationGrace for the grace period
// gatewayTerminated (a received GATEWAY_TERMINATE) and a locally-triggered
// TerminateExecution wait before hard-exiting. Call before Serve.
func (sg *SlaveGateway) SetTerminationGrace(d time.Duration) {
	sg.terminationGrace = d
}

// execQueueLen implements execQueueSizer for the STATUS reply's execqsize.
func (sg *SlaveGateway) execQueueLen() int {
	return len(sg.execQueue)
}

// gatewayTerminated implements terminationAware: a GATEWAY_TERMINATE arriving
// over the wire enforces the same grace-then-exit policy as a local
// TerminateExecution call, so a handler that ignores everything but a hard
// process exit cannot hang the slave forever.
func (sg *SlaveGateway) gatewayTerminated() {
	sg.TerminateExecution(sg.terminationGrace)
}

// Register binds name so a CHANNEL_EXEC request naming it gets dispatched to
// fn. Call before Serve; registering after Serve has started is safe but
// racy against a request for the same name arriving first.
func (sg *SlaveGateway) Register(name string, fn ExecHandler) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.handlers[name] = fn
}

// ScheduleExec implements ExecHost for CHANNEL_EXEC frames: it decodes the
// (name, args) request tuple and enqueues it for a worker goroutine. A
// terminating gateway, a malformed request, an unknown handler name or a full
// queue is reported by returning an error; BaseGateway.handleExec then closes
// the channel with that error's text as the CHANNEL_CLOSE_ERROR payload.
func (sg *SlaveGateway) ScheduleExec(ch *Channel, spec Value) error {
	if sg.terminating.Load() {
		return fmt.Errorf("execution disallowed: gateway is terminating")
	}
	tup, ok := spec.(Tuple)
	if !ok || len(tup) != 2 {
		return fmt.Errorf("malformed exec request")
	}
	name, ok := tup[0].(string)
	if !ok {
		return fmt.Errorf("malformed exec request: handler name must be a string")
	}
	sg.mu.Lock()
	_, known := sg.handlers[name]
	sg.mu.Unlock()
	if !known {
		return fmt.Errorf("no such remote handler %q registered", name)
	}
	select {
	case sg.execQueue <- execTask{ch: ch, name: name, args: tup[1]}:
		return nil
	default:
		return fmt.Errorf("exec queue full, dropping request for %q", name)
	}
}

// Serve starts the receiver task and the exec worker loop and blocks until
// the receiver task has exited (see Start) and every running handler has
// returned. A received GATEWAY_TERMINATE closes the transport's read side,
// which ends the receiver task once TerminateExecution has returned.
func (sg *SlaveGateway) Serve(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	sg.Start(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for {
			select {
			case task := <-sg.execQueue:
				sg.wg.Add(1)
				go sg.runTask(task)
			case <-workerCtx.Done():
				return
			}
		}
	}()
	err := sg.Wait()
	cancelWorkers()
	<-workerDone
	sg.wg.Wait()
	return err
}

func (sg *SlaveGateway) runTask(task execTask) {
	defer sg.wg.Done()
	task.ch.setExecuting(true)

	sg.mu.Lock()
	fn := sg.handlers[task.name]
	sg.mu.Unlock()

	var panicked any
	func() {
		defer func() { panicked = recover() }()
		fn(task.ch, task.args)
	}()
	task.ch.setExecuting(false)

	if panicked != nil {
		_ = task.ch.CloseWithError(fmt.Sprintf("handler %q panicked: %v", task.name, panicked))
		return
	}
	if !task.ch.IsClosed() {
		_ = task.ch.Close()
	}
}

// DefaultTerminationGrace is how long TerminateExecution waits for
// in-flight handlers to finish on their own before forcing the process down.
const DefaultTerminationGrace = 10 * time.Second

// TerminateExecution stops accepting new CHANNEL_EXEC requests and waits up
// to grace for already-running handlers to return. If they haven't by then,
// it hard-exits the process, matching the reference implementation's refusal
// to let a runaway remote_exec body hang a slave forever.
func (sg *SlaveGateway) TerminateExecution(grace time.Duration) {
	sg.terminating.Store(true)
	done := make(chan struct{})
	go func() {
		sg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		gwlog.Trace(sg.traceID(), "all handlers finished, terminating cleanly")
	case <-time.After(grace):
		gwlog.Trace(sg.traceID(), "handlers still running after grace period, forcing exit")
		os.Exit(1)
	}
}
