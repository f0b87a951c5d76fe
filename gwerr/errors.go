// Package gwerr defines the error taxonomy shared by the wire, channel and
// gateway layers of execnet-go.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gwerr

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// SerializationError is raised to the caller of Channel.Send when a value
// cannot be encoded onto the wire. The connection remains healthy: nothing
// has been written yet (write-on-success framing).
type SerializationError struct {
	msg string
}

func NewSerializationError(format string, a ...any) *SerializationError {
	return &SerializationError{fmt.Sprintf(format, a...)}
}

func (e *SerializationError) Error() string { return e.msg }

// UnserializationError is fatal to the owning gateway: a corrupt or
// unsupported opcode was read off the wire.
type UnserializationError struct {
	msg string
}

func NewUnserializationError(format string, a ...any) *UnserializationError {
	return &UnserializationError{fmt.Sprintf(format, a...)}
}

func (e *UnserializationError) Error() string { return e.msg }

// RemoteError carries a formatted exception/traceback produced by user code
// running on the remote side of a channel.
type RemoteError struct {
	Formatted string
}

func NewRemoteError(formatted string) *RemoteError {
	return &RemoteError{Formatted: formatted}
}

func (e *RemoteError) Error() string { return e.Formatted }

// Warn writes this error once to stderr, the way the original execnet
// `__del__` finalizer does for remote errors nobody ever waitclose()'d.
func (e *RemoteError) Warn() {
	fmt.Fprintf(os.Stderr, "Warning: unhandled RemoteError: %s\n", e.Formatted)
}

// ChannelClosed is raised by Send/Receive/SetCallback when the channel is no
// longer usable for the attempted operation.
type ChannelClosed struct {
	msg string
}

func NewChannelClosed(format string, a ...any) *ChannelClosed {
	return &ChannelClosed{fmt.Sprintf(format, a...)}
}

func (e *ChannelClosed) Error() string { return e.msg }

// TimeoutError is raised by Receive/WaitClose when an explicit positive
// timeout expires before the awaited event happened.
type TimeoutError struct {
	msg string
}

func NewTimeoutError(format string, a ...any) *TimeoutError {
	return &TimeoutError{fmt.Sprintf(format, a...)}
}

func (e *TimeoutError) Error() string { return e.msg }

// TransportEOF records that the read side of a Transport closed before a
// frame completed. It is fatal to the owning gateway.
type TransportEOF struct {
	msg string
}

func NewTransportEOF(format string, a ...any) *TransportEOF {
	return &TransportEOF{fmt.Sprintf(format, a...)}
}

func (e *TransportEOF) Error() string { return e.msg }

// Wrap is the project-wide wrapper for internal plumbing errors that don't
// need their own taxonomy entry; matches the teacher's use of
// github.com/pkg/errors throughout cmn/cos.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, a ...any) error {
	return errors.Wrapf(err, format, a...)
}
