package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewright/shuttle/internal/telemetry"
)

func TestEngine_SmallBatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0755))

	sizes := []int{17, 1024, 64 * 1024}
	var mappings []Mapping
	for i, size := range sizes {
		name := fmt.Sprintf("file%d.exr", i)
		writeRandomFile(t, filepath.Join(src, name), size)
		mappings = append(mappings, mustMapping(t,
			fmt.Sprintf("m%d", i),
			filepath.Join(src, name),
			filepath.Join(dst, name),
		))
	}

	em := newTestEmitter(t)
	eng := newTestEngine(t, Config{Telemetry: em})

	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_small",
		Mappings:  mappings,
		Operation: OpCopy,
	}, Limits{FileWorkers: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, telemetry.StatusCompleted, summary.Status)

	// Results preserve input order.
	require.Len(t, summary.Results, 3)
	for i, res := range summary.Results {
		assert.Equal(t, mappings[i].ID, res.MappingID)
		assert.True(t, res.Success, "mapping %s", res.MappingID)
		assert.Equal(t, mappings[i].SizeBytes, res.BytesTransferred)
	}

	for i := range sizes {
		name := fmt.Sprintf("file%d.exr", i)
		assert.Equal(t, hashOf(t, filepath.Join(src, name)), hashOf(t, filepath.Join(dst, name)), name)
	}
	assert.Empty(t, findStaging(t, dir))

	rec, ok := em.Read("ingest_small")
	require.True(t, ok)
	assert.Equal(t, telemetry.StatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Percentage)
	assert.Equal(t, int64(3), rec.FilesProcessed)
	assert.Equal(t, int64(3), rec.TotalFiles)
}

func TestEngine_ChunkedLargeFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plate.dpx")
	dst := filepath.Join(dir, "out", "plate.dpx")

	// Odd size so the last chunk is a remainder.
	writeRandomFile(t, src, 15*1024*1024+37)

	eng := newTestEngine(t, Config{})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_chunked",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{FileWorkers: 1, ChunkWorkers: 4})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, telemetry.StatusCompleted, summary.Status)
	assert.Equal(t, hashOf(t, src), hashOf(t, dst))
	assert.Empty(t, findStaging(t, dir))
	assert.Zero(t, eng.ActiveUnits())
}

func TestEngine_ArtifactReassembly(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.mov")
	dst := filepath.Join(dir, "out", "scan.mov")
	writeRandomFile(t, src, 10*1024*1024)

	eng := newTestEngine(t, Config{ArtifactWrites: true})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_artifacts",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{FileWorkers: 1, ChunkWorkers: 3})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, hashOf(t, src), hashOf(t, dst))
	assert.Empty(t, findStaging(t, dir))
}

func TestEngine_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.bin")
	dst := filepath.Join(dir, "out", "empty.bin")
	require.NoError(t, os.WriteFile(src, nil, 0644))

	em := newTestEmitter(t)
	eng := newTestEngine(t, Config{Telemetry: em})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_empty",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{})
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	rec, ok := em.Read("ingest_empty")
	require.True(t, ok)
	assert.Equal(t, 100.0, rec.Percentage)
}

func TestEngine_ChecksumVerification(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "comp.exr")
	dst := filepath.Join(dir, "out", "comp.exr")
	writeRandomFile(t, src, 1024*1024)

	eng := newTestEngine(t, Config{Checksum: true})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_checksum",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, hashOf(t, src), hashOf(t, dst))
}

func TestEngine_OverwriteExistingTarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "new.txt")
	dst := filepath.Join(dir, "out", "old.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(t, os.WriteFile(src, []byte("fresh content"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("stale"), 0644))

	eng := newTestEngine(t, Config{})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_replace",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh content"), got)
}

func TestEngine_MoveRemovesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "take.wav")
	dst := filepath.Join(dir, "out", "take.wav")
	writeRandomFile(t, src, 32*1024)
	want := hashOf(t, src)

	eng := newTestEngine(t, Config{})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "move_take",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpMove,
	}, Limits{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	assert.Equal(t, want, hashOf(t, dst))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source should be gone after a move")
}

func TestEngine_AdmissionCeiling(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0755))

	var mappings []Mapping
	for i := range 4 {
		name := fmt.Sprintf("reel%d.ari", i)
		writeRandomFile(t, filepath.Join(src, name), 512*1024)
		mappings = append(mappings, mustMapping(t,
			fmt.Sprintf("m%d", i),
			filepath.Join(src, name),
			filepath.Join(dst, name),
		))
	}

	// The bandwidth cap keeps several units in flight at once so the gauge
	// has something to observe; the ceiling bound is the real assertion.
	eng := newTestEngine(t, Config{
		ChunkThreshold: 128 * 1024,
		ChunkSize:      64 * 1024,
		BandwidthLimit: 1 << 20,
	})

	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_ceiling",
		Mappings:  mappings,
		Operation: OpCopy,
	}, Limits{FileWorkers: 2, ChunkWorkers: 2})
	require.NoError(t, err)
	require.Equal(t, 4, summary.Succeeded)

	peak := eng.units.peak.Load()
	assert.LessOrEqual(t, peak, int64(4), "in-flight units exceeded FileWorkers*ChunkWorkers")
	assert.GreaterOrEqual(t, peak, int64(2), "expected concurrent transfer units")
	assert.Zero(t, eng.ActiveUnits())

	for _, m := range mappings {
		assert.Equal(t, hashOf(t, m.SourcePath), hashOf(t, m.TargetPath))
	}
}

func TestEngine_MonotonicProgress(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0755))

	writeRandomFile(t, filepath.Join(src, "big.bin"), 512*1024)
	writeRandomFile(t, filepath.Join(src, "small_a.bin"), 4*1024)
	writeRandomFile(t, filepath.Join(src, "small_b.bin"), 4*1024)
	mappings := []Mapping{
		mustMapping(t, "m0", filepath.Join(src, "big.bin"), filepath.Join(dst, "big.bin")),
		mustMapping(t, "m1", filepath.Join(src, "small_a.bin"), filepath.Join(dst, "small_a.bin")),
		mustMapping(t, "m2", filepath.Join(src, "small_b.bin"), filepath.Join(dst, "small_b.bin")),
	}

	em := telemetry.New(telemetry.Config{PushInterval: time.Nanosecond})
	t.Cleanup(em.Close)
	eng := newTestEngine(t, Config{
		Telemetry:      em,
		ChunkThreshold: 128 * 1024,
		ChunkSize:      64 * 1024,
	})

	sub := em.Hub().Subscribe("ingest_mono", 1024)
	defer sub.Cancel()

	_, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_mono",
		Mappings:  mappings,
		Operation: OpCopy,
	}, Limits{FileWorkers: 2, ChunkWorkers: 2})
	require.NoError(t, err)

	var recs []telemetry.Record
drain:
	for {
		select {
		case rec := <-sub.C:
			recs = append(recs, rec)
			if rec.Status.Terminal() {
				break drain
			}
		default:
			break drain
		}
	}

	require.NotEmpty(t, recs)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].Percentage, recs[i-1].Percentage,
			"percentage regressed at record %d", i)
		assert.GreaterOrEqual(t, recs[i].FilesProcessed, recs[i-1].FilesProcessed,
			"file count regressed at record %d", i)
	}
	last := recs[len(recs)-1]
	assert.Equal(t, telemetry.StatusCompleted, last.Status)
	assert.Equal(t, 100.0, last.Percentage)
}

func TestEngine_ReadAfterTerminalIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "one.txt")
	dst := filepath.Join(dir, "out", "one.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	em := newTestEmitter(t)
	eng := newTestEngine(t, Config{Telemetry: em})
	_, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_idem",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{})
	require.NoError(t, err)

	first, ok := em.Read("ingest_idem")
	require.True(t, ok)
	second, ok := em.Read("ingest_idem")
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, 100.0, first.Percentage)
	assert.Equal(t, telemetry.StatusCompleted, first.Status)
}

func TestEngine_InvalidBatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	valid := Mapping{ID: "m0", SourcePath: src, TargetPath: filepath.Join(dir, "out", "a.txt"), SizeBytes: 1}

	tests := []struct {
		name  string
		batch Batch
	}{
		{"empty id", Batch{Mappings: []Mapping{valid}, Operation: OpCopy}},
		{"no mappings", Batch{ID: "b", Operation: OpCopy}},
		{"unknown operation", Batch{ID: "b", Mappings: []Mapping{valid}, Operation: "sync"}},
		{"missing operation", Batch{ID: "b", Mappings: []Mapping{valid}}},
		{
			"duplicate target",
			Batch{ID: "b", Mappings: []Mapping{valid, {ID: "m1", SourcePath: src, TargetPath: valid.TargetPath}}, Operation: OpCopy},
		},
		{
			"empty source path",
			Batch{ID: "b", Mappings: []Mapping{{ID: "m1", TargetPath: "/tmp/x"}}, Operation: OpCopy},
		},
	}

	eng := newTestEngine(t, Config{})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Submit(context.Background(), tc.batch, Limits{})
			assert.ErrorIs(t, err, ErrInvalidBatch)
		})
	}
}

func TestEngine_DuplicateLiveBatchID(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	eng := newTestEngine(t, Config{})
	batch := Batch{
		ID:        "ingest_dup",
		Mappings:  []Mapping{mustMapping(t, "m0", src, filepath.Join(dir, "out", "a.txt"))},
		Operation: OpCopy,
	}

	_, err := eng.Submit(context.Background(), batch, Limits{})
	require.NoError(t, err)

	// The finished batch is still tracked for readers; its ID stays taken.
	batch.Mappings[0].TargetPath = filepath.Join(dir, "out", "b.txt")
	_, err = eng.Submit(context.Background(), batch, Limits{})
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestEngine_ReconcileRemovesStaleStaging(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "shot.exr")
	outDir := filepath.Join(dir, "out")
	dst := filepath.Join(outDir, "shot.exr")
	writeRandomFile(t, src, 8*1024)
	require.NoError(t, os.MkdirAll(outDir, 0755))

	// Leftovers from a fictional interrupted run, plus lookalikes that a
	// reconcile pass must not touch.
	stale := []string{
		filepath.Join(outDir, filepath.Base(spoolPath(dst))),
		chunkArtifactPath(dst, 0),
		chunkArtifactPath(dst, 12),
	}
	for _, p := range stale {
		require.NoError(t, os.WriteFile(p, []byte("stale"), 0644))
	}
	foreign := []string{
		filepath.Join(outDir, ".shot.exr.swp"),
		filepath.Join(outDir, ".hidden.tmp"),
	}
	for _, p := range foreign {
		require.NoError(t, os.WriteFile(p, []byte("keep"), 0644))
	}

	eng := newTestEngine(t, Config{})
	summary, err := eng.Submit(context.Background(), Batch{
		ID:        "ingest_reconcile",
		Mappings:  []Mapping{mustMapping(t, "m0", src, dst)},
		Operation: OpCopy,
	}, Limits{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	assert.Equal(t, hashOf(t, src), hashOf(t, dst))
	for _, p := range stale {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "stale staging should be gone: %s", p)
	}
	for _, p := range foreign {
		_, err := os.Stat(p)
		assert.NoError(t, err, "foreign dotfile should survive: %s", p)
	}
}

func TestEngine_RequiresTelemetry(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGauge(t *testing.T) {
	var g gauge
	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 100 {
				g.enter()
				g.leave()
			}
		}()
	}
	for range 8 {
		<-done
	}
	assert.Zero(t, g.cur.Load())
	assert.LessOrEqual(t, g.peak.Load(), int64(8))
	assert.GreaterOrEqual(t, g.peak.Load(), int64(1))
}
