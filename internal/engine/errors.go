package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrorKind classifies a transfer failure. Kinds are the public error
// contract; raw causes never cross the engine boundary as anything else.
type ErrorKind string

const (
	// SourceUnreadable means the source vanished or denies access. Fatal
	// for the mapping, never retried.
	SourceUnreadable ErrorKind = "source_unreadable"
	// DestinationUnwritable means the destination cannot accept output
	// (permissions, missing filesystem, no space). Fatal for the mapping.
	DestinationUnwritable ErrorKind = "destination_unwritable"
	// TransientIO marks errors worth retrying with backoff.
	TransientIO ErrorKind = "transient_io"
	// SizeMismatch means post-transfer verification failed.
	SizeMismatch ErrorKind = "size_mismatch"
	// Cancelled marks cooperative cancellation, not a fault.
	Cancelled ErrorKind = "cancelled"
)

// ErrInvalidBatch rejects a submission before any work starts: empty batch,
// missing or duplicate batch ID, duplicate target paths, unknown operation.
var ErrInvalidBatch = errors.New("invalid batch")

// errVerifyMismatch is the root cause behind SizeMismatch results.
var errVerifyMismatch = errors.New("verification mismatch")

// transferError carries a classified kind with its cause.
type transferError struct {
	kind ErrorKind
	err  error
}

func (e *transferError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *transferError) Unwrap() error { return e.err }

// failure wraps err with an explicit kind.
func failure(kind ErrorKind, err error) error {
	return &transferError{kind: kind, err: err}
}

type ioSide int

const (
	srcSide ioSide = iota
	dstSide
)

// classify maps err onto the taxonomy. side decides which endpoint a
// path-level fault (missing file, permission) is blamed on; space and quota
// exhaustion always blame the destination.
func classify(err error, side ioSide) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	if errors.Is(err, errVerifyMismatch) {
		return SizeMismatch
	}
	var te *transferError
	if errors.As(err, &te) {
		return te.kind
	}

	fatal := SourceUnreadable
	if side == dstSide {
		fatal = DestinationUnwritable
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fatal
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOENT, unix.EACCES, unix.EPERM, unix.EISDIR,
			unix.ENOTDIR, unix.ELOOP, unix.ENAMETOOLONG, unix.ESTALE:
			return fatal
		case unix.ENOSPC, unix.EDQUOT, unix.EROFS, unix.EFBIG:
			return DestinationUnwritable
		}
	}
	return TransientIO
}

// classifySrc and classifyDst wrap err with the kind derived for that side.
func classifySrc(err error) error {
	if err == nil {
		return nil
	}
	return failure(classify(err, srcSide), err)
}

func classifyDst(err error) error {
	if err == nil {
		return nil
	}
	return failure(classify(err, dstSide), err)
}

// classifyCopy attributes a raw copy failure to a side by the path it names.
// Errors that name no path (bare errnos from positional I/O) land on the
// destination side, where the side does not change the kind for the errnos
// those calls can produce.
func classifyCopy(err error, srcPath string) error {
	if err == nil {
		return nil
	}
	var pe *os.PathError
	if errors.As(err, &pe) && pe.Path == srcPath {
		return classifySrc(err)
	}
	return classifyDst(err)
}

// kindOf extracts the kind from a classified error, defaulting unclassified
// errors to TransientIO.
func kindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return classify(err, dstSide)
}
