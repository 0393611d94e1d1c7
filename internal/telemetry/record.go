// Package telemetry tracks per-batch transfer progress and fans it out to
// push subscribers and polling readers over one canonical record.
package telemetry

import (
	"strings"
	"unicode/utf8"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. No increments are accepted
// after a batch reaches a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is the canonical progress snapshot for one batch. The same record
// backs both the push channel and the polling reads.
type Record struct {
	BatchID        string  `json:"batch_id"`
	FilesProcessed int64   `json:"filesProcessed"`
	TotalFiles     int64   `json:"totalFiles"`
	Percentage     float64 `json:"progressPercentage"`
	CurrentFile    string  `json:"currentFile"`
	Status         Status  `json:"status"`
	TimestampMs    int64   `json:"timestamp"`
}

// Message is the wire shape delivered to push subscribers.
type Message struct {
	Type string `json:"type"`
	Record
	OperationType string `json:"operationType"`
}

// NewMessage wraps a record for the wire.
func NewMessage(rec Record) Message {
	return Message{
		Type:          "progress",
		Record:        rec,
		OperationType: OperationType(rec.BatchID),
	}
}

// OperationType derives the operation label from a batch ID by convention:
// the text before the first underscore ("ingest_2024..." -> "ingest").
func OperationType(batchID string) string {
	if i := strings.Index(batchID, "_"); i > 0 {
		return batchID[:i]
	}
	return "unknown"
}

// labelMaxLen bounds CurrentFile labels so payloads stay small and stable.
const labelMaxLen = 64

// TruncateLabel shortens a path label for display, keeping the head and the
// tail around an ellipsis so both directory and filename stay recognizable.
func TruncateLabel(s string) string {
	if utf8.RuneCountInString(s) <= labelMaxLen {
		return s
	}
	runes := []rune(s)
	keep := labelMaxLen - 3
	head := keep / 2
	tail := keep - head
	return string(runes[:head]) + "..." + string(runes[len(runes)-tail:])
}
