package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/framewright/shuttle/internal/platform"
)

// transfer carries one mapping through the executor.
type transfer struct {
	eng          *Engine
	batchID      string
	op           Operation
	mapping      Mapping
	chunkWorkers int

	// planned is the unit count registered for this mapping; emitted is
	// what has been reported so far, capped at planned.
	planned int64
	emitted atomic.Int64

	size  int64 // live source size at transfer start
	spool string
	plan  []Chunk
}

// transferOne executes one mapping end to end. Fatal outcomes remove every
// trace of staged output before the result is returned, and internal faults
// never escape the task boundary as anything but a structured result.
func (e *Engine) transferOne(ctx context.Context, run *batchRun, m Mapping) (res TransferResult) {
	t := &transfer{
		eng:          e,
		batchID:      run.batchID,
		op:           run.op,
		mapping:      m,
		chunkWorkers: run.chunkWorkers,
		planned:      e.plannedUnits(m.SizeBytes),
	}

	defer func() {
		if r := recover(); r != nil {
			t.discard()
			res = TransferResult{
				MappingID: m.ID,
				ErrorKind: TransientIO,
				Err:       fmt.Errorf("internal fault transferring %s: %v", m.SourcePath, r),
			}
		}
	}()

	bytes, err := t.run(ctx)
	if err != nil {
		t.discard()
		return TransferResult{
			MappingID:        m.ID,
			BytesTransferred: bytes,
			ErrorKind:        kindOf(err),
			Err:              err,
		}
	}
	t.topUp()
	return TransferResult{MappingID: m.ID, Success: true, BytesTransferred: bytes}
}

func (t *transfer) run(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, failure(Cancelled, err)
	}

	m := t.mapping
	info, err := os.Stat(m.SourcePath)
	if err != nil {
		return 0, classifySrc(err)
	}
	if info.IsDir() {
		return 0, failure(SourceUnreadable, fmt.Errorf("%s is a directory", m.SourcePath))
	}
	t.size = info.Size()

	if err := os.MkdirAll(filepath.Dir(m.TargetPath), 0755); err != nil {
		return 0, classifyDst(err)
	}
	// Staging leftovers for this target mean an earlier run was interrupted;
	// they are stale by definition and must go before new output is staged.
	if err := reconcilePath(m.TargetPath); err != nil {
		return 0, classifyDst(err)
	}

	t.spool = spoolPath(m.TargetPath)
	spool, err := os.OpenFile(t.spool, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return 0, classifyDst(err)
	}

	var written int64
	if t.size <= t.eng.cfg.ChunkThreshold {
		written, err = t.copyWhole(ctx, spool)
	} else {
		written, err = t.copyChunked(ctx, spool)
	}
	if err != nil {
		spool.Close()
		return written, err
	}

	if err := t.finalize(spool); err != nil {
		return written, err
	}
	return written, nil
}

// copyWhole streams a file below the chunk threshold in one unit.
func (t *transfer) copyWhole(ctx context.Context, spool *os.File) (int64, error) {
	var written int64
	err := t.eng.retryTransient(ctx, func() error {
		t.eng.units.enter()
		defer t.eng.units.leave()
		n, err := t.eng.copySpan(ctx, t.mapping.SourcePath, spool, 0, 0, t.size)
		written = n
		return err
	})
	if err != nil {
		return written, err
	}
	t.noteUnit()
	return written, nil
}

// copyChunked fans a large file's chunk plan across the per-file worker
// pool. The first chunk failure cancels the rest at their boundaries.
func (t *transfer) copyChunked(ctx context.Context, spool *os.File) (int64, error) {
	plan := planChunks(t.size, t.eng.cfg.ChunkSize)
	t.plan = plan

	// Pre-size the staging file so chunk workers write at their offsets
	// without racing to extend it. Filesystems that refuse the resize fall
	// back to per-chunk artifact staging with a sequential reassembly pass;
	// any other truncate error is a real destination fault.
	useArtifacts := t.eng.cfg.ArtifactWrites
	if !useArtifacts {
		if err := spool.Truncate(t.size); err != nil {
			if !platform.UnsupportedOp(err) {
				return 0, classifyDst(err)
			}
			useArtifacts = true
		} else {
			platform.Preallocate(spool, t.size)
		}
	}

	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var written atomic.Int64
	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	workers := t.chunkWorkers
	if workers > len(plan) {
		workers = len(plan)
	}

	tasks := make(chan Chunk)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range tasks {
				// Cancellation applies between chunks, and workers keep
				// draining so the feeder never blocks on a dead pool.
				if chunkCtx.Err() != nil {
					continue
				}
				n, err := t.runChunk(chunkCtx, c, useArtifacts)
				written.Add(n)
				if err != nil {
					fail(err)
					continue
				}
				t.noteUnit()
			}
		}()
	}

feed:
	for _, c := range plan {
		select {
		case tasks <- c:
		case <-chunkCtx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	if firstErr != nil {
		return written.Load(), firstErr
	}
	if err := ctx.Err(); err != nil {
		return written.Load(), failure(Cancelled, err)
	}

	if useArtifacts {
		if err := t.reassemble(spool, plan); err != nil {
			return written.Load(), err
		}
	}
	return written.Load(), nil
}

// runChunk copies one chunk, retrying transient failures in place. Only the
// final attempt's byte count is reported.
func (t *transfer) runChunk(ctx context.Context, c Chunk, artifact bool) (int64, error) {
	if hook := t.eng.chunkStart; hook != nil {
		hook(t.mapping, c)
	}
	var n int64
	err := t.eng.retryTransient(ctx, func() error {
		t.eng.units.enter()
		defer t.eng.units.leave()
		var err error
		if artifact {
			n, err = t.writeChunkArtifact(ctx, c)
		} else {
			n, err = t.writeChunkDirect(ctx, c)
		}
		return err
	})
	return n, err
}

// writeChunkDirect lands the chunk at its offset in the pre-sized staging
// file. Each chunk opens its own handles: the source so a vanished file
// surfaces at the next chunk boundary, the destination so no two workers
// share a file offset.
func (t *transfer) writeChunkDirect(ctx context.Context, c Chunk) (int64, error) {
	dst, err := os.OpenFile(t.spool, os.O_WRONLY, 0)
	if err != nil {
		return 0, classifyDst(err)
	}
	defer dst.Close()
	return t.eng.copySpan(ctx, t.mapping.SourcePath, dst, c.Offset, c.Length, t.size)
}

// writeChunkArtifact stages the chunk in its own artifact file. This is the
// fallback for targets that cannot take positional writes, so the artifact
// is written sequentially.
func (t *transfer) writeChunkArtifact(ctx context.Context, c Chunk) (int64, error) {
	src, err := os.Open(t.mapping.SourcePath)
	if err != nil {
		return 0, classifySrc(err)
	}
	defer src.Close()

	path := chunkArtifactPath(t.mapping.TargetPath, c.Index)
	art, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, classifyDst(err)
	}

	var r io.Reader = io.NewSectionReader(src, c.Offset, c.Length)
	if t.eng.limiter != nil {
		r = newRateLimitedReader(ctx, r, t.eng.limiter)
	}
	n, err := io.CopyBuffer(art, r, make([]byte, t.eng.copyBufSize()))
	if err != nil {
		art.Close()
		return n, classifyCopy(err, t.mapping.SourcePath)
	}
	if err := art.Close(); err != nil {
		return n, classifyDst(err)
	}
	return n, nil
}

// reassemble concatenates chunk artifacts in index order into the staging
// file. The artifacts survive until the output verifies; finalize removes
// them just before the rename.
func (t *transfer) reassemble(spool *os.File, plan []Chunk) error {
	buf := make([]byte, 256*1024)
	for _, c := range plan {
		art, err := os.Open(chunkArtifactPath(t.mapping.TargetPath, c.Index))
		if err != nil {
			return classifyDst(err)
		}
		_, err = io.CopyBuffer(spool, art, buf)
		art.Close()
		if err != nil {
			return classifyDst(err)
		}
	}
	return nil
}

// finalize publishes the staged output: fsync, verify against the source as
// it stands now, drop the artifacts, rename into place, and for moves remove
// the source only after the rename holds.
func (t *transfer) finalize(spool *os.File) error {
	if err := spool.Sync(); err != nil {
		spool.Close()
		return classifyDst(err)
	}
	if err := spool.Close(); err != nil {
		return classifyDst(err)
	}

	srcInfo, err := os.Stat(t.mapping.SourcePath)
	if err != nil {
		return classifySrc(err)
	}
	spoolInfo, err := os.Stat(t.spool)
	if err != nil {
		return classifyDst(err)
	}
	if spoolInfo.Size() != srcInfo.Size() {
		return failure(SizeMismatch, fmt.Errorf("%w: staged %d bytes, source %d bytes",
			errVerifyMismatch, spoolInfo.Size(), srcInfo.Size()))
	}
	if t.eng.cfg.Checksum {
		srcSum, err := checksumFile(t.mapping.SourcePath)
		if err != nil {
			return classifySrc(err)
		}
		stagedSum, err := checksumFile(t.spool)
		if err != nil {
			return classifyDst(err)
		}
		if srcSum != stagedSum {
			return failure(SizeMismatch, fmt.Errorf("%w: checksum %016x, source %016x",
				errVerifyMismatch, stagedSum, srcSum))
		}
	}

	// Artifacts on disk read as "incomplete transfer" to a later run; they
	// must be gone before the output becomes visible under its final name.
	if err := t.removeArtifacts(); err != nil {
		return classifyDst(err)
	}

	if err := os.Rename(t.spool, t.mapping.TargetPath); err != nil {
		return classifyDst(err)
	}
	t.spool = "" // published; discard must not touch the final file

	if t.op == OpMove {
		if err := os.Remove(t.mapping.SourcePath); err != nil {
			// The copy landed but move semantics did not. Withdraw the
			// destination so the source stays the single authority.
			_ = os.Remove(t.mapping.TargetPath)
			return classifySrc(err)
		}
	}
	return nil
}

func (t *transfer) removeArtifacts() error {
	for _, c := range t.plan {
		path := chunkArtifactPath(t.mapping.TargetPath, c.Index)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// discard removes the mapping's staged output. Best effort: whatever a
// failing filesystem refuses to remove now, a later run's reconcile pass
// retires.
func (t *transfer) discard() {
	if t.spool != "" {
		_ = os.Remove(t.spool)
	}
	for _, c := range t.plan {
		_ = os.Remove(chunkArtifactPath(t.mapping.TargetPath, c.Index))
	}
}

// noteUnit reports one completed unit, capped at the planned count so batch
// progress never overshoots the registration.
func (t *transfer) noteUnit() {
	if t.emitted.Add(1) <= t.planned {
		t.eng.emitter.Increment(t.batchID, t.mapping.TargetPath)
	}
}

// topUp settles the gap between planned and emitted units once the mapping
// succeeds, so drift between declared and live size never skews progress.
func (t *transfer) topUp() {
	emitted := t.emitted.Load()
	if emitted > t.planned {
		emitted = t.planned
	}
	if d := t.planned - emitted; d > 0 {
		t.eng.emitter.AddUnits(t.batchID, d, t.mapping.TargetPath)
	}
}

// copySpan copies length bytes at offset from srcPath into dst at the same
// offset, through the platform fast paths or the rate-limited loop when a
// bandwidth cap is set. length 0 means through end of source. Errors come
// back classified.
func (e *Engine) copySpan(ctx context.Context, srcPath string, dst *os.File, offset, length, srcSize int64) (int64, error) {
	if e.limiter != nil {
		return e.copySpanLimited(ctx, srcPath, dst, offset, length, srcSize)
	}
	res, err := platform.Copy(platform.Request{
		Dst:     dst,
		SrcPath: srcPath,
		Offset:  offset,
		Length:  length,
		SrcSize: srcSize,
	})
	if err != nil {
		return res.Bytes, classifyCopy(err, srcPath)
	}
	return res.Bytes, nil
}

func (e *Engine) copySpanLimited(ctx context.Context, srcPath string, dst *os.File, offset, length, srcSize int64) (int64, error) {
	if length == 0 {
		length = srcSize - offset
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, classifySrc(err)
	}
	defer src.Close()

	r := newRateLimitedReader(ctx, io.NewSectionReader(src, offset, length), e.limiter)
	buf := make([]byte, e.copyBufSize())

	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], offset+total); werr != nil {
				return total, classifyDst(werr)
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, classifyCopy(rerr, srcPath)
		}
	}
	return total, nil
}

// copyBufSize keeps buffered reads within the limiter's burst so WaitN never
// sees a request it cannot grant.
func (e *Engine) copyBufSize() int {
	const def = 256 * 1024
	if e.limiter == nil {
		return def
	}
	if b := e.limiter.Burst(); b < def {
		return b
	}
	return def
}

// retryTransient runs op, retrying transient I/O failures with exponential
// backoff until the retry budget is spent. Fatal kinds stop immediately.
func (e *Engine) retryTransient(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBackoff
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.RetryLimit)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if kindOf(err) != TransientIO {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
