package telemetry

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultPushInterval = 100 * time.Millisecond
	defaultRetention    = 5 * time.Minute
	janitorInterval     = time.Minute
	storeRetention      = 24 * time.Hour
)

// ErrBatchExists is returned by Register when the batch ID is already live.
var ErrBatchExists = errors.New("batch already registered")

// Config tunes an Emitter. Zero values select defaults.
type Config struct {
	// Store, when set, receives throttled snapshots so polling readers
	// survive releases and process restarts.
	Store *Store
	// PushInterval is the minimum gap between pushes for one batch.
	// Terminal transitions bypass it.
	PushInterval time.Duration
	// Retention is how long terminal batches stay readable in memory
	// before the janitor releases them.
	Retention time.Duration
}

// Emitter owns one progress record per live batch. Worker goroutines feed it
// through atomic increments; subscribers receive throttled pushes via the
// hub; pollers read snapshots on demand.
type Emitter struct {
	hub          *Hub
	store        *Store
	pushInterval time.Duration
	retention    time.Duration

	mu      sync.RWMutex
	batches map[string]*batchState

	done     chan struct{}
	stopOnce sync.Once
}

type batchState struct {
	batchID    string
	totalFiles int64
	totalUnits int64

	units     atomic.Int64
	files     atomic.Int64
	updatedMs atomic.Int64
	terminal  atomic.Bool

	mu          sync.Mutex // guards the fields below
	status      Status
	currentFile string
	lastPush    time.Time
	terminalAt  time.Time
}

// New creates an Emitter and starts its janitor.
func New(cfg Config) *Emitter {
	e := &Emitter{
		hub:          NewHub(),
		store:        cfg.Store,
		pushInterval: cfg.PushInterval,
		retention:    cfg.Retention,
		batches:      make(map[string]*batchState),
		done:         make(chan struct{}),
	}
	if e.pushInterval <= 0 {
		e.pushInterval = defaultPushInterval
	}
	if e.retention <= 0 {
		e.retention = defaultRetention
	}
	go e.janitor()
	return e
}

// Hub returns the push side of the emitter for transports to subscribe to.
func (e *Emitter) Hub() *Hub {
	return e.hub
}

// Register creates the record for a new batch and publishes its initial
// state. It fails if the batch ID is already live.
func (e *Emitter) Register(batchID string, totalFiles, totalUnits int64) error {
	st := &batchState{
		batchID:    batchID,
		totalFiles: totalFiles,
		totalUnits: totalUnits,
		status:     StatusRunning,
	}
	st.touch()

	e.mu.Lock()
	if _, exists := e.batches[batchID]; exists {
		e.mu.Unlock()
		return ErrBatchExists
	}
	e.batches[batchID] = st
	e.mu.Unlock()

	e.push(st, true)
	return nil
}

// Increment records one completed transfer unit.
func (e *Emitter) Increment(batchID, label string) {
	e.AddUnits(batchID, 1, label)
}

// AddUnits records n completed transfer units and the label of the file they
// belong to. Safe for concurrent use; calls after a terminal state are
// ignored so counts never move once a batch is final.
func (e *Emitter) AddUnits(batchID string, n int64, label string) {
	if n <= 0 {
		return
	}
	st := e.lookup(batchID)
	if st == nil || st.terminal.Load() {
		return
	}

	st.units.Add(n)
	st.touch()
	if label != "" {
		label = TruncateLabel(label)
		st.mu.Lock()
		st.currentFile = label
		st.mu.Unlock()
	}
	e.push(st, false)
}

// FileDone records one mapping having reached a terminal outcome.
func (e *Emitter) FileDone(batchID string) {
	st := e.lookup(batchID)
	if st == nil || st.terminal.Load() {
		return
	}
	st.files.Add(1)
	st.touch()
	e.push(st, false)
}

// MarkTerminal moves a batch to its final status and publishes immediately,
// bypassing the push throttle. Only the first terminal transition wins.
func (e *Emitter) MarkTerminal(batchID string, status Status) {
	if !status.Terminal() {
		return
	}
	st := e.lookup(batchID)
	if st == nil {
		return
	}
	if !st.terminal.CompareAndSwap(false, true) {
		return
	}

	st.mu.Lock()
	st.status = status
	st.terminalAt = time.Now()
	st.mu.Unlock()
	st.touch()

	e.push(st, true)
	if e.store != nil {
		if err := e.store.Flush(); err != nil {
			slog.Warn("progress store flush failed", "batch", batchID, "error", err)
		}
	}
}

// Read returns the current record for batchID. Batches no longer in memory
// fall through to the snapshot store, so late pollers still get an answer.
func (e *Emitter) Read(batchID string) (Record, bool) {
	if st := e.lookup(batchID); st != nil {
		return st.snapshot(), true
	}
	if e.store != nil {
		rec, ok, err := e.store.Load(batchID)
		if err != nil {
			slog.Warn("progress store read failed", "batch", batchID, "error", err)
			return Record{}, false
		}
		return rec, ok
	}
	return Record{}, false
}

// Latest returns the most recently updated record across all batches, live
// or stored.
func (e *Emitter) Latest() (Record, bool) {
	var newest Record
	var found bool

	e.mu.RLock()
	for _, st := range e.batches {
		rec := st.snapshot()
		if !found || rec.TimestampMs > newest.TimestampMs {
			newest, found = rec, true
		}
	}
	e.mu.RUnlock()

	if e.store != nil {
		rec, ok, err := e.store.LoadLatest()
		if err != nil {
			slog.Warn("progress store read failed", "error", err)
		} else if ok && (!found || rec.TimestampMs > newest.TimestampMs) {
			newest, found = rec, true
		}
	}
	return newest, found
}

// Release drops the in-memory state for batchID. The snapshot store keeps
// its last record until Cleanup retires it.
func (e *Emitter) Release(batchID string) {
	e.mu.Lock()
	delete(e.batches, batchID)
	e.mu.Unlock()
}

// Close stops the janitor. Live batch state stays readable until the
// process exits; the store is closed by its owner.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *Emitter) lookup(batchID string) *batchState {
	e.mu.RLock()
	st := e.batches[batchID]
	e.mu.RUnlock()
	return st
}

// push publishes the current snapshot unless the per-batch throttle says the
// last push was too recent. force bypasses the throttle. Snapshot and publish
// happen under the batch lock so concurrent workers cannot reorder records on
// the push stream.
func (e *Emitter) push(st *batchState, force bool) {
	now := time.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	if !force && now.Sub(st.lastPush) < e.pushInterval {
		return
	}
	st.lastPush = now

	rec := st.snapshotLocked()
	// A terminal transition may have won its CAS but not yet written the
	// final status; never let a stale running record chase the final one.
	if st.terminal.Load() && !rec.Status.Terminal() {
		return
	}
	e.hub.Publish(rec)
	if e.store != nil {
		e.store.Save(rec)
	}
}

func (e *Emitter) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// sweep releases terminal batches past the retention window and retires old
// store rows.
func (e *Emitter) sweep(now time.Time) {
	var expired []string
	e.mu.RLock()
	for id, st := range e.batches {
		if !st.terminal.Load() {
			continue
		}
		st.mu.Lock()
		old := now.Sub(st.terminalAt) > e.retention
		st.mu.Unlock()
		if old {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range expired {
		e.Release(id)
	}
	if e.store != nil {
		if err := e.store.Cleanup(storeRetention); err != nil {
			slog.Debug("progress store cleanup failed", "error", err)
		}
	}
}

// touch advances the record's update time, never moving it backwards.
func (b *batchState) touch() {
	now := time.Now().UnixMilli()
	for {
		cur := b.updatedMs.Load()
		if cur >= now || b.updatedMs.CompareAndSwap(cur, now) {
			return
		}
	}
}

func (b *batchState) snapshot() Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// snapshotLocked builds a Record from the current counters. Callers must hold
// b.mu.
func (b *batchState) snapshotLocked() Record {
	return Record{
		BatchID:        b.batchID,
		FilesProcessed: b.files.Load(),
		TotalFiles:     b.totalFiles,
		Percentage:     percentage(b.units.Load(), b.totalUnits, b.status),
		CurrentFile:    b.currentFile,
		Status:         b.status,
		TimestampMs:    b.updatedMs.Load(),
	}
}

// percentage maps completed units onto [0,100] with one decimal, pinned to
// exactly 100.0 once a batch completes.
func percentage(units, total int64, status Status) float64 {
	if status == StatusCompleted {
		return 100.0
	}
	if total <= 0 {
		return 0
	}
	pct := float64(units) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return math.Round(pct*10) / 10
}
