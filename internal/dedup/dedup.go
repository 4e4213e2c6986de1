// Package dedup remembers recently received pull request events so that a
// redelivered webhook does not start a second run.
package dedup

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultRetention is how long an event blocks identical events.
const DefaultRetention = 24 * time.Hour

var header = []string{"owner", "repo", "source_branch", "target_branch", "pr_number", "received_at"}

// Key identifies an event.
type Key struct {
	Owner        string
	Repo         string
	SourceBranch string
	TargetBranch string
	PRNumber     int
}

type entry struct {
	key        Key
	receivedAt time.Time
}

// Store is a CSV-backed log of received events. It is safe for concurrent
// use within one process.
type Store struct {
	mu        sync.Mutex
	path      string
	retention time.Duration
	now       func() time.Time
	entries   []entry
}

// Open loads the log at path, creating it if it does not exist. A
// non-positive retention selects DefaultRetention.
func Open(path string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{path: path, retention: retention, now: time.Now}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.flush()
	} else if err != nil {
		return nil, fmt.Errorf("failed to open dedup log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read dedup log: %w", err)
		}
		if line == 0 && rec[0] == header[0] {
			continue
		}
		e, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("invalid dedup log row %d: %w", line+1, err)
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// Seen reports whether k was recorded within the retention window.
func (s *Store) Seen(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen(k, s.now())
}

// Record logs k as received now.
func (s *Store) Record(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{key: k, receivedAt: s.now().UTC()})
	return s.flush()
}

// CheckAndRecord records k unless it was already seen. It returns true
// when k is new.
func (s *Store) CheckAndRecord(k Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.seen(k, now) {
		return false, nil
	}
	s.entries = append(s.entries, entry{key: k, receivedAt: now.UTC()})
	return true, s.flush()
}

// Prune drops entries older than the retention window relative to now.
func (s *Store) Prune(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if now.Sub(e.receivedAt) < s.retention {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(s.entries) {
		return nil
	}
	s.entries = kept
	return s.flush()
}

// Len returns the number of logged events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) seen(k Key, now time.Time) bool {
	for _, e := range s.entries {
		if e.key == k && now.Sub(e.receivedAt) < s.retention {
			return true
		}
	}
	return false
}

// flush rewrites the log through a temporary file.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create dedup log directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".dedup-*")
	if err != nil {
		return fmt.Errorf("failed to write dedup log: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	_ = w.Write(header)
	for _, e := range s.entries {
		_ = w.Write([]string{
			e.key.Owner,
			e.key.Repo,
			e.key.SourceBranch,
			e.key.TargetBranch,
			strconv.Itoa(e.key.PRNumber),
			e.receivedAt.Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write dedup log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write dedup log: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace dedup log: %w", err)
	}
	return nil
}

func parseRecord(rec []string) (entry, error) {
	n, err := strconv.Atoi(rec[4])
	if err != nil {
		return entry{}, fmt.Errorf("bad pr_number %q", rec[4])
	}
	at, err := time.Parse(time.RFC3339, rec[5])
	if err != nil {
		return entry{}, fmt.Errorf("bad received_at %q", rec[5])
	}
	return entry{
		key: Key{
			Owner:        rec[0],
			Repo:         rec[1],
			SourceBranch: rec[2],
			TargetBranch: rec[3],
			PRNumber:     n,
		},
		receivedAt: at,
	}, nil
}
