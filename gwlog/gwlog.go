// Package gwlog provides the execnet-go diagnostics hook: an opt-in trace
// controlled by the EXECNET_DEBUG environment variable. This is observability
// only and has no semantic effect on the protocol.
//
// EXECNET_DEBUG="2" traces to stderr; any other non-empty value traces to a
// per-process file under os.TempDir(); unset/"" disables tracing entirely.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gwlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var (
	once   sync.Once
	tracer func(id string, msg ...any)
	pid    = os.Getpid()
)

func initTracer() {
	switch os.Getenv("EXECNET_DEBUG") {
	case "":
		tracer = func(string, ...any) {}
	case "2":
		tracer = traceStderr
	default:
		fn := filepath.Join(os.TempDir(), fmt.Sprintf("execnet-debug-%d", pid))
		f, err := os.Create(fn)
		if err != nil {
			tracer = traceStderr
			return
		}
		tracer = func(id string, msg ...any) {
			line := joinTrace(id, msg)
			if _, werr := fmt.Fprintln(f, line); werr != nil {
				fmt.Fprintf(os.Stderr, "[%d] exception during tracing: %v\n", pid, werr)
				return
			}
			f.Sync()
		}
	}
}

func traceStderr(id string, msg ...any) {
	fmt.Fprintf(os.Stderr, "[%d] %s\n", pid, joinTrace(id, msg))
}

func joinTrace(id string, msg []any) string {
	line := id
	for _, m := range msg {
		line += " " + fmt.Sprint(m)
	}
	return line
}

// Trace records one diagnostic line tagged with the gateway's id ("<slave>",
// a peer id, or similar). Cheap no-op when EXECNET_DEBUG is unset.
func Trace(id string, msg ...any) {
	once.Do(initTracer)
	tracer(id, msg...)
}

// FrameTrace structurally traces one wire frame envelope (msgtype/channel id)
// using jsoniter, matching the teacher's jsoniter-backed structured config
// dumps. Only invoked when tracing is active; callers should guard with
// Enabled() to avoid the encode cost on the hot path.
func FrameTrace(id string, msgtype int, channelID uint32, payloadKind string) {
	if !Enabled() {
		return
	}
	type frame struct {
		MsgType   int    `json:"msgtype"`
		ChannelID uint32 `json:"channelid"`
		Payload   string `json:"payload"`
	}
	b, err := jsoniter.Marshal(frame{msgtype, channelID, payloadKind})
	if err != nil {
		return
	}
	Trace(id, "frame", string(b))
}

// Enabled reports whether tracing does anything beyond discarding the line.
func Enabled() bool {
	once.Do(initTracer)
	return os.Getenv("EXECNET_DEBUG") != ""
}
