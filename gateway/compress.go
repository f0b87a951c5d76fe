/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"io"

	"github.com/pierrec/lz4/v3"
)

// NewCompressedStreamTransport wraps r/w in LZ4 framing before handing them
// to NewStreamTransport. It is never enabled by default: most gateways run
// over a local pipe where compression only costs CPU, but it's a cheap win
// for a gateway whose transport is a slow or metered link (e.g. a transport
// running over an SSH tunnel).
func NewCompressedStreamTransport(r io.ReadCloser, w io.WriteCloser) *StreamTransport {
	cr := lz4.NewReader(r)
	cw := lz4.NewWriter(w)
	return NewStreamTransport(
		readCloser{Reader: cr, closer: r},
		compressedWriteCloser{w: cw, underlying: w},
	)
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error { return r.closer.Close() }

type compressedWriteCloser struct {
	w          *lz4.Writer
	underlying io.WriteCloser
}

func (c compressedWriteCloser) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c compressedWriteCloser) Close() error {
	if err := c.w.Close(); err != nil {
		return err
	}
	return c.underlying.Close()
}
