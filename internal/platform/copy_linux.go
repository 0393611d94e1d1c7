//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Copy tries the most efficient copy method available on Linux, falling
// through on unsupported/cross-device errors.
func Copy(req Request) (Result, error) {
	Preallocate(req.Dst, spanLength(req))

	// Try copy_file_range first.
	result, err := copyFileRange(req)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	// Try sendfile.
	result, err = copySendfile(req)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	// Fall back to read/write.
	return copyReadWrite(req)
}

func copyFileRange(req Request) (Result, error) {
	src, err := os.Open(req.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	remaining := spanLength(req)
	roff := req.Offset
	woff := req.Offset

	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(req.Dst.Fd()), &woff, int(remaining), 0)
		if err != nil {
			if total == 0 {
				return Result{}, err
			}
			return Result{Bytes: total, Method: MethodCopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}

	return Result{Bytes: total, Method: MethodCopyFileRange}, nil
}

func copySendfile(req Request) (Result, error) {
	src, err := os.Open(req.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	remaining := spanLength(req)
	offset := req.Offset

	// Seek destination so sendfile lands at the span offset. The seek is
	// unconditional: a retry after a short earlier attempt must not write
	// wherever the fd happens to point.
	if _, err := req.Dst.Seek(offset, 0); err != nil {
		return Result{}, err
	}

	var total int64
	for remaining > 0 {
		n, err := unix.Sendfile(int(req.Dst.Fd()), int(src.Fd()), &offset, int(remaining))
		if err != nil {
			if total == 0 {
				return Result{}, err
			}
			return Result{Bytes: total, Method: MethodSendfile}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}

	return Result{Bytes: total, Method: MethodSendfile}, nil
}
