package statestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

// ExitWALRecord is one append-only record written by the background exit
// monitor before it commits the full phase/exitCode transaction. Recovering
// these on startup closes the race where a daemon crash lands between the
// WAL write and the DB commit.
type ExitWALRecord struct {
	ContainerID string `json:"id"`
	ExitCode    int    `json:"exitCode"`
	TimestampNs int64  `json:"timestampNs"`
}

// ExitWAL is an append-only, fsync-per-record JSON-lines log. It is not
// shared across processes — the daemon is single-instance, so no file
// locking is needed beyond serializing writers within this process.
type ExitWAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenExitWAL opens (creating if necessary) the exit-code WAL file at path.
func OpenExitWAL(path string) (*ExitWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open exit wal %s: %w", path, err)
	}
	return &ExitWAL{path: path, f: f}, nil
}

// Append writes one record and fsyncs before returning, so a crash
// immediately after Append still leaves the record durable.
func (w *ExitWAL) Append(rec ExitWALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal exit wal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("write exit wal record: %w", err)
	}
	return w.f.Sync()
}

// ReplayAndTruncate reads every record, skipping corrupt lines with a
// warning, then truncates the file. Called once at startup before any
// other WAL writer goroutine exists.
func (w *ExitWAL) ReplayAndTruncate() ([]ExitWALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek exit wal: %w", err)
	}

	var records []ExitWALRecord
	scanner := bufio.NewScanner(w.f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ExitWALRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("exit wal: skipping corrupt record: %v", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan exit wal: %w", err)
	}

	if err := w.f.Truncate(0); err != nil {
		return records, fmt.Errorf("truncate exit wal: %w", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return records, fmt.Errorf("seek exit wal after truncate: %w", err)
	}
	return records, nil
}

// Close releases the underlying file handle.
func (w *ExitWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
