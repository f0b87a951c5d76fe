/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"bufio"
	"io"
	"sync"

	"github.com/execnetgo/execnet/gwerr"
)

// Transport is the byte-stream collaborator a gateway is built on: a pair of
// blocking read/write streams, typically a child process's stdin/stdout or a
// socket. It performs no framing of its own; Serializer/Deserializer frame
// the bytes it moves.
type Transport interface {
	// ReadExact blocks until exactly n bytes have been read, or fails with
	// a *gwerr.TransportEOF if the stream closes first.
	ReadExact(n int) ([]byte, error)
	// Write writes data atomically (buffered, then flushed) as a single
	// call. Concurrent writers must serialize through an external lock;
	// Serializer's write-on-success framing gives each Save() call exactly
	// one Write.
	Write(data []byte) error
	CloseRead() error
	CloseWrite() error
}

// StreamTransport adapts an io.ReadCloser/io.WriteCloser pair (pipes,
// sockets, or a child process's Stdout/Stdin) into a Transport. Binary mode
// is forced on platforms that distinguish it; see forceBinary in the
// platform-specific ioconn files.
type StreamTransport struct {
	r      io.ReadCloser
	w      io.WriteCloser
	reader *bufio.Reader
	writer *bufio.Writer
	wmu    sync.Mutex
}

// NewStreamTransport wraps r/w as a Transport, forcing binary mode on
// platforms where that distinction exists.
func NewStreamTransport(r io.ReadCloser, w io.WriteCloser) *StreamTransport {
	forceBinary(r, w)
	return &StreamTransport{
		r:      r,
		w:      w,
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
}

func (t *StreamTransport) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		k, err := t.reader.Read(buf[read:])
		read += k
		if read >= n {
			break
		}
		if err != nil || k == 0 {
			return nil, gwerr.NewTransportEOF("expected %d bytes, got %d", n, read)
		}
	}
	return buf, nil
}

func (t *StreamTransport) Write(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return gwerr.Wrap(err, "transport write")
	}
	return t.writer.Flush()
}

func (t *StreamTransport) CloseRead() error  { return t.r.Close() }
func (t *StreamTransport) CloseWrite() error { return t.w.Close() }
