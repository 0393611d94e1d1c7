// Package manifest loads batch manifests: the TOML input naming every
// source-to-target mapping of one transfer batch.
package manifest

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/framewright/shuttle/internal/engine"
)

type file struct {
	ID        string    `toml:"id"`
	Operation string    `toml:"operation"`
	Mappings  []mapping `toml:"mapping"`
}

type mapping struct {
	ID     string `toml:"id"`
	Source string `toml:"source"`
	Target string `toml:"target"`
	Kind   string `toml:"kind"`
	Size   int64  `toml:"size"`
}

// Load reads a batch manifest. Missing mapping IDs are generated, a missing
// batch ID derives from the operation and load time, and mappings without a
// declared size are statted so progress totals start out accurate. Batch
// validation itself is the engine's job.
func Load(path string) (engine.Batch, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return engine.Batch{}, fmt.Errorf("read manifest %s: %w", path, err)
	}

	op := engine.Operation(f.Operation)
	if f.Operation == "" {
		op = engine.OpCopy
	}

	id := f.ID
	if id == "" {
		id = fmt.Sprintf("%s_%s", op, time.Now().Format("20060102_150405"))
	}

	batch := engine.Batch{ID: id, Operation: op}
	for i, m := range f.Mappings {
		kind := engine.Kind(m.Kind)
		if m.Kind == "" {
			kind = engine.KindFile
		}
		mid := m.ID
		if mid == "" {
			mid = fmt.Sprintf("m%04d", i+1)
		}
		size := m.Size
		if size == 0 {
			if info, err := os.Stat(m.Source); err == nil && !info.IsDir() {
				size = info.Size()
			}
		}
		batch.Mappings = append(batch.Mappings, engine.Mapping{
			ID:         mid,
			SourcePath: m.Source,
			TargetPath: m.Target,
			Kind:       kind,
			SizeBytes:  size,
		})
	}
	return batch, nil
}
