package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the latest progress record per batch so polling clients
// that connect after a restart (or after a batch is released from memory)
// still see its last known state.
type Store struct {
	db   *sql.DB
	path string

	// Buffer of latest-per-batch records awaiting flush.
	mu      sync.Mutex
	pending map[string]Record
	done    chan struct{}
	stopped bool
}

// DefaultStorePath returns the snapshot database location:
// $XDG_STATE_HOME/shuttle/progress.db, falling back to
// ~/.local/state/shuttle/progress.db, then the system temp dir.
func DefaultStorePath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "shuttle", "progress.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "shuttle", "progress.db")
	}
	return filepath.Join(os.TempDir(), "shuttle-progress.db")
}

// OpenStore opens (or creates) the snapshot database at path. An empty path
// selects DefaultStorePath.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultStorePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open progress db: %w", err)
	}

	s := &Store{
		db:      db,
		path:    path,
		pending: make(map[string]Record),
		done:    make(chan struct{}),
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	// Start background batch flusher.
	go s.flushLoop()

	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS progress (
			batch_id        TEXT PRIMARY KEY,
			files_processed INTEGER NOT NULL,
			total_files     INTEGER NOT NULL,
			percentage      REAL NOT NULL,
			current_file    TEXT NOT NULL,
			status          TEXT NOT NULL,
			timestamp_ms    INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Save buffers rec for the next flush. Later saves for the same batch
// replace earlier ones, so only the newest record hits the database.
func (s *Store) Save(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[rec.BatchID]; ok && prev.TimestampMs > rec.TimestampMs {
		return
	}
	s.pending[rec.BatchID] = rec
}

// Flush writes any pending records to the database.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO progress
			(batch_id, files_processed, total_files, percentage, current_file, status, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range s.pending {
		_, err := stmt.Exec(rec.BatchID, rec.FilesProcessed, rec.TotalFiles,
			rec.Percentage, rec.CurrentFile, string(rec.Status), rec.TimestampMs)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %s: %w", rec.BatchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	clear(s.pending)
	return nil
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.flushLocked()
			s.mu.Unlock()
		}
	}
}

// Load returns the stored record for batchID. Pending (unflushed) records
// are visible so a read immediately after a save is consistent.
func (s *Store) Load(batchID string) (Record, bool, error) {
	s.mu.Lock()
	if rec, ok := s.pending[batchID]; ok {
		s.mu.Unlock()
		return rec, true, nil
	}
	s.mu.Unlock()

	var rec Record
	var status string
	err := s.db.QueryRow(`
		SELECT batch_id, files_processed, total_files, percentage, current_file, status, timestamp_ms
		FROM progress WHERE batch_id = ?`, batchID,
	).Scan(&rec.BatchID, &rec.FilesProcessed, &rec.TotalFiles,
		&rec.Percentage, &rec.CurrentFile, &status, &rec.TimestampMs)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.Status = Status(status)
	return rec, true, nil
}

// LoadLatest returns the most recently updated record across all batches.
func (s *Store) LoadLatest() (Record, bool, error) {
	s.mu.Lock()
	var newest Record
	var found bool
	for _, rec := range s.pending {
		if !found || rec.TimestampMs > newest.TimestampMs {
			newest, found = rec, true
		}
	}
	s.mu.Unlock()

	var rec Record
	var status string
	err := s.db.QueryRow(`
		SELECT batch_id, files_processed, total_files, percentage, current_file, status, timestamp_ms
		FROM progress ORDER BY timestamp_ms DESC LIMIT 1`,
	).Scan(&rec.BatchID, &rec.FilesProcessed, &rec.TotalFiles,
		&rec.Percentage, &rec.CurrentFile, &status, &rec.TimestampMs)
	if err == sql.ErrNoRows {
		return newest, found, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.Status = Status(status)
	if found && newest.TimestampMs > rec.TimestampMs {
		return newest, true, nil
	}
	return rec, true, nil
}

// Delete removes the record for batchID.
func (s *Store) Delete(batchID string) error {
	s.mu.Lock()
	delete(s.pending, batchID)
	s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM progress WHERE batch_id = ?", batchID)
	return err
}

// Cleanup removes terminal records older than the retention window.
func (s *Store) Cleanup(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UnixMilli()
	_, err := s.db.Exec(
		"DELETE FROM progress WHERE timestamp_ms < ? AND status != ?",
		cutoff, string(StatusRunning))
	return err
}

// Close flushes pending records and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	_ = s.flushLocked()
	s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}
