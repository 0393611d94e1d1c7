//go:build darwin

package platform

import (
	"golang.org/x/sys/unix"
)

// Copy tries clonefile first (for whole-file CoW copies), then falls back
// to read/write on macOS.
func Copy(req Request) (Result, error) {
	// clonefile only works for whole-file copies into a fresh path.
	if req.Offset == 0 && req.Length == 0 {
		err := unix.Clonefile(req.SrcPath, req.Dst.Name(), 0)
		if err == nil {
			return Result{Bytes: req.SrcSize, Method: MethodClonefile}, nil
		}
		if !isFallbackCloneErr(err) {
			return Result{}, err
		}
	}

	Preallocate(req.Dst, spanLength(req))
	return copyReadWrite(req)
}

func isFallbackCloneErr(err error) bool {
	switch err {
	case unix.ENOTSUP, unix.EXDEV, unix.EEXIST:
		return true
	}
	return false
}
