// Package engine moves batches of files from source to destination paths
// with two levels of bounded parallelism: a pool of file workers, and a
// per-file pool of chunk workers for large files. Destination visibility is
// atomic: data lands in hidden staging files and is renamed into place only
// after the full transfer is verified.
package engine

import (
	"time"

	"github.com/framewright/shuttle/internal/telemetry"
)

// Kind tags what a mapping refers to. Sequences are enumerated upstream into
// per-file mappings; the tag is carried through for reporting only.
type Kind string

const (
	KindFile     Kind = "file"
	KindSequence Kind = "sequence"
)

// Operation selects copy or move semantics for a batch.
type Operation string

const (
	OpCopy Operation = "copy"
	OpMove Operation = "move"
)

// Mapping is one source-to-destination transfer unit. It is immutable once
// submitted and consumed exactly once.
type Mapping struct {
	ID         string
	SourcePath string
	TargetPath string
	Kind       Kind
	// SizeBytes is the size declared by the mapping generator. Transfer
	// planning uses the live size; this one only seeds progress totals so
	// submission never has to touch the filesystem.
	SizeBytes int64
}

// Batch is one caller-submitted set of mappings sharing an ID. The ID is the
// correlation key for all telemetry and must be unique per logical operation.
type Batch struct {
	ID        string
	Mappings  []Mapping
	Operation Operation
}

// TransferResult is the immutable outcome of one mapping.
type TransferResult struct {
	MappingID string
	Success   bool
	// BytesTransferred counts bytes written before success or failure. A
	// failed mapping's partial output is removed; the count is diagnostic.
	BytesTransferred int64
	// ErrorKind is empty on success, otherwise one of the taxonomy values.
	ErrorKind ErrorKind
	// Err is the underlying cause for logs. Never inspect it for control
	// flow; ErrorKind is the contract.
	Err error
}

// Summary aggregates a finished batch. Results preserve input mapping order.
type Summary struct {
	BatchID   string
	Results   []TransferResult
	Succeeded int
	Failed    int
	Status    telemetry.Status
}

// Limits bounds the two worker pools for one submission. Total concurrency
// never exceeds FileWorkers x ChunkWorkers transfer units.
type Limits struct {
	FileWorkers  int
	ChunkWorkers int
}

func (l Limits) withDefaults() Limits {
	if l.FileWorkers <= 0 {
		l.FileWorkers = DefaultFileWorkers
	}
	if l.ChunkWorkers <= 0 {
		l.ChunkWorkers = DefaultChunkWorkers
	}
	return l
}

// Tunable defaults. File workers stay small on purpose: large values waste
// seek bandwidth on spinning disks while small values under-use flash.
const (
	DefaultFileWorkers  = 3
	DefaultChunkWorkers = 4

	DefaultChunkThreshold = int64(8 << 20)
	DefaultChunkSize      = int64(4 << 20)

	defaultRetryLimit   = 3
	defaultRetryBackoff = 50 * time.Millisecond
)

// Config describes an Engine. Zero values select defaults.
type Config struct {
	// Telemetry receives registration, per-unit increments and terminal
	// status for every submitted batch. Required.
	Telemetry *telemetry.Emitter

	// ChunkThreshold is the size above which a file is split into chunks.
	ChunkThreshold int64
	// ChunkSize is the span of one chunk.
	ChunkSize int64

	// RetryLimit caps transient I/O retries per unit; RetryBackoff is the
	// initial backoff between attempts.
	RetryLimit   int
	RetryBackoff time.Duration

	// Checksum enables a fast content check (xxhash64) between source and
	// staged output before the rename, on top of the size check.
	Checksum bool

	// ArtifactWrites forces chunk output through per-chunk artifact files
	// with a sequential reassembly pass, instead of positional writes into
	// a pre-sized staging file. The engine also falls back to artifacts on
	// its own when pre-sizing the staging file is not supported.
	ArtifactWrites bool

	// BandwidthLimit caps aggregate read throughput in bytes/sec across
	// all workers. Zero means unlimited.
	BandwidthLimit int64
}

func (c Config) withDefaults() Config {
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = defaultRetryLimit
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}
