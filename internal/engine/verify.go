package engine

import (
	"context"
	"sync"
)

// VerifyReport holds the outcome of a deep verification pass.
type VerifyReport struct {
	Verified   int64
	Failed     int64
	Mismatches []Mismatch
}

// Mismatch records one mapping whose target does not match its source.
type Mismatch struct {
	MappingID  string
	SourcePath string
	TargetPath string
	SourceHash string
	TargetHash string
	Err        error
}

// VerifyMappings compares BLAKE3 checksums of source and target for every
// mapping, fanning out to workers goroutines. It is meant for audits after a
// batch lands; the in-line verification during transfer is cheaper and
// always on.
func VerifyMappings(ctx context.Context, mappings []Mapping, workers int) VerifyReport {
	if workers <= 0 {
		workers = DefaultFileWorkers
	}

	tasks := make(chan Mapping, workers*2)
	var mu sync.Mutex
	var report VerifyReport

	flag := func(mm Mismatch) {
		mu.Lock()
		report.Failed++
		report.Mismatches = append(report.Mismatches, mm)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}

				mm := Mismatch{
					MappingID:  m.ID,
					SourcePath: m.SourcePath,
					TargetPath: m.TargetPath,
				}

				srcHash, err := HashFile(m.SourcePath)
				if err != nil {
					mm.Err = err
					flag(mm)
					continue
				}
				mm.SourceHash = srcHash

				dstHash, err := HashFile(m.TargetPath)
				if err != nil {
					mm.Err = err
					flag(mm)
					continue
				}
				mm.TargetHash = dstHash

				if srcHash != dstHash {
					flag(mm)
					continue
				}

				mu.Lock()
				report.Verified++
				mu.Unlock()
			}
		}()
	}

feed:
	for _, m := range mappings {
		select {
		case tasks <- m:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	return report
}
