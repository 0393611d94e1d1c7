package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/framewright/shuttle/internal/telemetry"
)

// Engine executes transfer batches. One Engine serves many submissions;
// state shared across workers lives in the telemetry emitter, the bandwidth
// limiter, and the in-flight gauge.
type Engine struct {
	cfg     Config
	emitter *telemetry.Emitter
	limiter *rate.Limiter

	units gauge

	// chunkStart is an optional callback invoked at each chunk boundary,
	// before the chunk is copied.
	chunkStart func(m Mapping, c Chunk)
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Telemetry == nil {
		return nil, fmt.Errorf("engine: telemetry emitter is required")
	}
	cfg = cfg.withDefaults()

	e := &Engine{cfg: cfg, emitter: cfg.Telemetry}
	if cfg.BandwidthLimit > 0 {
		e.limiter = NewBWLimiter(cfg.BandwidthLimit)
	}
	return e, nil
}

// ActiveUnits reports how many transfer units are copying right now. The
// value never exceeds FileWorkers times ChunkWorkers for a running batch.
func (e *Engine) ActiveUnits() int64 { return e.units.cur.Load() }

// batchRun is the per-submission state handed to every file worker.
type batchRun struct {
	batchID      string
	op           Operation
	chunkWorkers int
}

// Submit runs a batch to completion and returns its summary. The call is
// synchronous; parallelism happens inside. Per-mapping failures never abort
// the batch. Cancelling ctx drains in-flight work cooperatively and reports
// every remaining mapping as cancelled.
func (e *Engine) Submit(ctx context.Context, batch Batch, limits Limits) (Summary, error) {
	if err := ValidateBatch(batch); err != nil {
		return Summary{}, err
	}
	limits = limits.withDefaults()

	var totalUnits int64
	for _, m := range batch.Mappings {
		totalUnits += e.plannedUnits(m.SizeBytes)
	}

	// Telemetry must know the batch before any task can report to it. A
	// rejected registration means the ID is still in use.
	if err := e.emitter.Register(batch.ID, int64(len(batch.Mappings)), totalUnits); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &batchRun{batchID: batch.ID, op: batch.Operation, chunkWorkers: limits.ChunkWorkers}
	results := make([]TransferResult, len(batch.Mappings))

	tasks := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < limits.FileWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				results[idx] = e.transferOne(runCtx, run, batch.Mappings[idx])
				e.emitter.FileDone(batch.ID)
			}
		}()
	}

feed:
	for i := range batch.Mappings {
		select {
		case tasks <- i:
		case <-runCtx.Done():
			// Mappings never handed to a worker are cancelled outright.
			for j := i; j < len(batch.Mappings); j++ {
				results[j] = TransferResult{
					MappingID: batch.Mappings[j].ID,
					ErrorKind: Cancelled,
					Err:       failure(Cancelled, runCtx.Err()),
				}
				e.emitter.FileDone(batch.ID)
			}
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	summary := Summary{BatchID: batch.ID, Results: results}
	for _, res := range results {
		if res.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	switch {
	case runCtx.Err() != nil:
		summary.Status = telemetry.StatusCancelled
	case summary.Failed > 0:
		summary.Status = telemetry.StatusFailed
	default:
		summary.Status = telemetry.StatusCompleted
	}
	e.emitter.MarkTerminal(batch.ID, summary.Status)

	return summary, nil
}

// ValidateBatch checks batch shape without submitting it: non-empty ID, a
// known operation, and mappings with distinct targets. Submit runs the same
// check; callers that accept batches over a wire can reject bad ones early.
func ValidateBatch(batch Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("%w: empty batch id", ErrInvalidBatch)
	}
	if len(batch.Mappings) == 0 {
		return fmt.Errorf("%w: no mappings", ErrInvalidBatch)
	}
	switch batch.Operation {
	case OpCopy, OpMove:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidBatch, batch.Operation)
	}
	targets := make(map[string]struct{}, len(batch.Mappings))
	for _, m := range batch.Mappings {
		if m.SourcePath == "" || m.TargetPath == "" {
			return fmt.Errorf("%w: mapping %q needs source and target paths", ErrInvalidBatch, m.ID)
		}
		if _, dup := targets[m.TargetPath]; dup {
			return fmt.Errorf("%w: duplicate target %s", ErrInvalidBatch, m.TargetPath)
		}
		targets[m.TargetPath] = struct{}{}
	}
	return nil
}

// plannedUnits converts a declared size into the unit count registered for
// progress: one for files at or below the chunk threshold, otherwise the
// chunk count. Live size at transfer time governs the actual plan; any gap
// is settled when the mapping completes.
func (e *Engine) plannedUnits(sizeBytes int64) int64 {
	if sizeBytes <= e.cfg.ChunkThreshold {
		return 1
	}
	n := (sizeBytes + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	if n < 1 {
		n = 1
	}
	return n
}

// gauge tracks in-flight transfer units and their high-water mark, which is
// how the admission ceiling is observed under load.
type gauge struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (g *gauge) enter() {
	v := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if v <= p || g.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }
