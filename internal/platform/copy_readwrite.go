package platform

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const bufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite copies a span using pread/pwrite with a pooled buffer.
func copyReadWrite(req Request) (Result, error) {
	src, err := os.Open(req.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	offset := req.Offset
	remaining := spanLength(req)

	var total int64
	srcFd := int(src.Fd())
	dstFd := int(req.Dst.Fd())

	for remaining > 0 {
		toRead := int(remaining)
		if toRead > bufferSize {
			toRead = bufferSize
		}

		n, err := unix.Pread(srcFd, buf[:toRead], offset)
		if err != nil {
			return Result{Bytes: total, Method: MethodReadWrite}, err
		}
		if n == 0 {
			break
		}

		written := 0
		for written < n {
			w, err := unix.Pwrite(dstFd, buf[written:n], offset+int64(written))
			if err != nil {
				return Result{Bytes: total + int64(written), Method: MethodReadWrite}, err
			}
			written += w
		}

		offset += int64(n)
		remaining -= int64(n)
		total += int64(n)
	}

	return Result{Bytes: total, Method: MethodReadWrite}, nil
}

// CopyReadWrite is the exported pread/pwrite path for use by other packages
// during testing.
func CopyReadWrite(req Request) (Result, error) {
	return copyReadWrite(req)
}

// isFallbackErr reports whether err should trigger the next copy strategy.
func isFallbackErr(err error) bool {
	switch err {
	case unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.ENOTSUP:
		return true
	}
	// Also handle wrapped errors.
	if e, ok := err.(*os.PathError); ok {
		return isFallbackErr(e.Err)
	}
	return false
}

// UnsupportedOp reports whether err means the kernel or filesystem declined
// the operation itself (as opposed to the file being unwritable). Callers
// use it to decide between switching strategies and failing the transfer.
func UnsupportedOp(err error) bool {
	switch err {
	case unix.ENOSYS, unix.ENOTSUP, unix.EINVAL, unix.EPERM:
		return true
	}
	if e, ok := err.(*os.PathError); ok {
		return UnsupportedOp(e.Err)
	}
	return false
}
