//go:build windows

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import (
	"io"
	"os"

	"golang.org/x/sys/windows"
)

// forceBinary clears the console-mode flags that would otherwise make
// Windows translate newlines or intercept control characters on a stdio
// handle, the equivalent of the reference implementation's
// msvcrt.setmode(fd, os.O_BINARY) call for each stream half.
func forceBinary(r io.ReadCloser, w io.WriteCloser) {
	if f, ok := r.(*os.File); ok {
		clearConsoleMode(windows.Handle(f.Fd()))
	}
	if f, ok := w.(*os.File); ok {
		clearConsoleMode(windows.Handle(f.Fd()))
	}
}

func clearConsoleMode(h windows.Handle) {
	var mode uint32
	if err := windows.GetConsoleMode(h, &mode); err != nil {
		return // not a console handle (e.g. a pipe); nothing to do
	}
	mode &^= windows.ENABLE_PROCESSED_INPUT | windows.ENABLE_PROCESSED_OUTPUT
	_ = windows.SetConsoleMode(h, mode)
}
