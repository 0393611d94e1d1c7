package engine

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/framewright/shuttle/internal/telemetry"
)

// newTestEmitter builds an emitter with a short push interval and no store.
func newTestEmitter(t *testing.T) *telemetry.Emitter {
	t.Helper()
	em := telemetry.New(telemetry.Config{PushInterval: time.Millisecond})
	t.Cleanup(em.Close)
	return em
}

// newTestEngine fills in a test emitter unless the config brings its own.
func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Telemetry == nil {
		cfg.Telemetry = newTestEmitter(t)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

// writeRandomFile fills path with size bytes of random data.
func writeRandomFile(t *testing.T, path string, size int) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func hashOf(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := blake3.Sum256(data)
	return sum[:]
}

// mustMapping stats src so the declared size matches the live size.
func mustMapping(t *testing.T, id, src, dst string) Mapping {
	t.Helper()
	info, err := os.Stat(src)
	require.NoError(t, err)
	return Mapping{
		ID:         id,
		SourcePath: src,
		TargetPath: dst,
		Kind:       KindFile,
		SizeBytes:  info.Size(),
	}
}

// findStaging returns every staging file (spool or chunk artifact) under
// root. A clean tree returns nothing: staging must never outlive a transfer.
func findStaging(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, kind := parseStagingName(d.Name()); kind != notStaging {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}
