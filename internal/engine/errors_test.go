package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		side ioSide
		want ErrorKind
	}{
		{"nil", nil, srcSide, ""},
		{"context cancel", context.Canceled, srcSide, Cancelled},
		{"deadline", context.DeadlineExceeded, dstSide, Cancelled},
		{"verify mismatch", fmt.Errorf("%w: sizes differ", errVerifyMismatch), dstSide, SizeMismatch},
		{"not exist src", &os.PathError{Op: "open", Path: "/a", Err: unix.ENOENT}, srcSide, SourceUnreadable},
		{"not exist dst", &os.PathError{Op: "open", Path: "/b", Err: unix.ENOENT}, dstSide, DestinationUnwritable},
		{"permission src", &os.PathError{Op: "open", Path: "/a", Err: unix.EACCES}, srcSide, SourceUnreadable},
		{"permission dst", &os.PathError{Op: "mkdir", Path: "/b", Err: unix.EACCES}, dstSide, DestinationUnwritable},
		{"no space blames dst regardless of side", unix.ENOSPC, srcSide, DestinationUnwritable},
		{"quota", unix.EDQUOT, dstSide, DestinationUnwritable},
		{"read-only fs", unix.EROFS, srcSide, DestinationUnwritable},
		{"io error", unix.EIO, srcSide, TransientIO},
		{"timeout-ish", unix.EAGAIN, dstSide, TransientIO},
		{"plain error", errors.New("weird"), srcSide, TransientIO},
		{"pre-classified passes through", failure(SizeMismatch, errors.New("x")), srcSide, SizeMismatch},
		{"stale handle", unix.ESTALE, srcSide, SourceUnreadable},
		{"is a directory", unix.EISDIR, srcSide, SourceUnreadable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err, tc.side))
		})
	}
}

func TestClassifyCopySideAttribution(t *testing.T) {
	src := "/mnt/src/plate.dpx"

	err := classifyCopy(&os.PathError{Op: "open", Path: src, Err: unix.ENOENT}, src)
	assert.Equal(t, SourceUnreadable, kindOf(err))

	err = classifyCopy(&os.PathError{Op: "write", Path: "/mnt/dst/.plate.dpx.x.sv1.tmp", Err: unix.ENOENT}, src)
	assert.Equal(t, DestinationUnwritable, kindOf(err))

	// Bare errnos with no path land on the destination side.
	err = classifyCopy(unix.EIO, src)
	assert.Equal(t, TransientIO, kindOf(err))
}

func TestTransferErrorUnwrap(t *testing.T) {
	cause := &os.PathError{Op: "open", Path: "/x", Err: unix.ENOENT}
	err := classifySrc(cause)

	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "source_unreadable")
	assert.Equal(t, SourceUnreadable, kindOf(err))
}

func newRetryEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	return &Engine{cfg: Config{
		RetryLimit:   limit,
		RetryBackoff: time.Millisecond,
	}.withDefaults()}
}

func TestRetryTransientEventuallySucceeds(t *testing.T) {
	eng := newRetryEngine(t, 5)
	attempts := 0
	err := eng.retryTransient(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return failure(TransientIO, errors.New("blip"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryTransientFatalStopsImmediately(t *testing.T) {
	eng := newRetryEngine(t, 5)
	attempts := 0
	err := eng.retryTransient(context.Background(), func() error {
		attempts++
		return failure(SourceUnreadable, errors.New("gone"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, SourceUnreadable, kindOf(err))
}

func TestRetryTransientBudgetExhausted(t *testing.T) {
	eng := newRetryEngine(t, 2)
	attempts := 0
	err := eng.retryTransient(context.Background(), func() error {
		attempts++
		return failure(TransientIO, errors.New("still broken"))
	})
	require.Error(t, err)
	// Initial attempt plus RetryLimit retries.
	assert.Equal(t, 3, attempts)
	assert.Equal(t, TransientIO, kindOf(err))
}

func TestRetryTransientHonorsCancellation(t *testing.T) {
	eng := newRetryEngine(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := eng.retryTransient(ctx, func() error {
		attempts++
		cancel()
		return failure(TransientIO, errors.New("blip"))
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 2)
}
