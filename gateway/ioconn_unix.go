//go:build !windows

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gateway

import "io"

// forceBinary is a no-op on platforms where read/write streams never
// distinguish text and binary mode.
func forceBinary(io.ReadCloser, io.WriteCloser) {}
