//go:build !linux

package platform

import "os"

// Preallocate is a no-op on non-Linux platforms (fallocate is Linux-only).
// Positional writers extend the file as they go.
func Preallocate(_ *os.File, _ int64) {}
