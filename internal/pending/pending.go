// Package pending implements the durable at-least-once event queue: a
// directory of JSON files, one per not-yet-delivered NormalizedEvent,
// survivable across a process crash at any point.
package pending

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accessbridge/bridge/internal/normalize"
)

// Record is the on-disk form of a pending event: the normalized event plus
// bookkeeping fields.
type Record struct {
	PendingID string           `json:"pending_id"`
	SavedAt   time.Time        `json:"saved_at"`
	Event     normalize.Event  `json:"event"`
	Tenant    string           `json:"tenant"`

	// filePath is populated by LoadAll so Remove can unlink the exact file
	// a record was read from; it is never serialized.
	filePath string `json:"-"`
}

// FilePath returns the path a loaded record was read from. Empty for a
// record that has not yet been saved.
func (r *Record) FilePath() string { return r.filePath }

// Store is a directory-backed durable queue. All operations are safe
// against process crash at any point: Save writes to a temp file, fsyncs,
// then renames atomically into place.
type Store struct {
	dir        string
	maxDays    int
	logger     *log.Logger

	mu sync.Mutex
}

// NewStore creates (if needed) dir and returns a Store rooted there.
func NewStore(dir string, maxDays int, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pending: create directory %s: %w", dir, err)
	}
	return &Store{dir: dir, maxDays: maxDays, logger: logger}, nil
}

// Save persists evt for tenant under a new UUID filename. The write is
// atomic: temp file, fsync, rename.
func (s *Store) Save(tenant string, evt normalize.Event) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	rec := Record{
		PendingID: id,
		SavedAt:   time.Now(),
		Event:     evt,
		Tenant:    tenant,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pending: marshal record: %w", err)
	}

	finalPath := filepath.Join(s.dir, id+".json")
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pending: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("pending: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("pending: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("pending: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("pending: rename into place: %w", err)
	}

	rec.filePath = finalPath
	s.logger.Printf("saved pending event %s for tenant %s", id, tenant)
	return &rec, nil
}

// LoadAll enumerates every *.json file in the store directory and parses
// it. An unreadable or malformed file is skipped with a warning rather
// than failing the whole load, matching the original's tolerant behavior.
func (s *Store) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("pending: glob %s: %w", s.dir, err)
	}
	sort.Strings(entries)

	records := make([]*Record, 0, len(entries))
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Printf("pending: skipping unreadable file %s: %v", path, err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Printf("pending: skipping malformed file %s: %v", path, err)
			continue
		}
		rec.filePath = path
		records = append(records, &rec)
	}
	return records, nil
}

// Remove deletes the file backing rec. rec must have come from LoadAll or
// Save, so FilePath() is populated.
func (s *Store) Remove(rec *Record) error {
	if rec.filePath == "" {
		return fmt.Errorf("pending: record %s has no file path", rec.PendingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(rec.filePath); err != nil {
		return fmt.Errorf("pending: remove %s: %w", rec.filePath, err)
	}
	s.logger.Printf("removed pending event %s", rec.PendingID)
	return nil
}

// CleanupOld deletes files whose mtime is older than maxDays. Returns the
// number of files removed.
func (s *Store) CleanupOld() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.maxDays)

	entries, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("pending: glob %s: %w", s.dir, err)
	}

	removed := 0
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Printf("pending: cleanup error for %s: %v", path, err)
				continue
			}
			s.logger.Printf("removed old pending file %s", filepath.Base(path))
			removed++
		}
	}
	return removed, nil
}

// Count returns the current number of pending files, for the metrics
// gauge.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
