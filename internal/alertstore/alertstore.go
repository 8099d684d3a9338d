// Package alertstore implements the durable NDJSON append sink and
// listable stream of alerts described in spec.md §4.2. Persistence
// idiom grounded on internal/alerts/history.go: a retry-with-backoff
// append path and an in-memory mutex-guarded log kept in sync with
// disk. No backup copy of the log is written; a backup file is only
// read at load time if one already exists.
package alertstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Envelope is the on-disk representation of one stored alert:
// {raw, run_id, ts} per spec.md §4.2.
type Envelope struct {
	Raw   string    `json:"raw"`
	RunID string    `json:"run_id"`
	TS    time.Time `json:"ts"`
}

const maxRetries = 3

// Store is the Alert Store. Only the Ingest API writes to it
// (spec.md §3 ownership); readers stream or snapshot independently.
type Store struct {
	mu       sync.RWMutex
	saveMu   sync.Mutex
	path     string
	backup   string
	log      []Envelope
	lockFile *lockHandle
}

// Open loads any existing NDJSON log at path (or its backup if the
// primary exists but cannot be read; a missing primary starts an empty
// log) and returns a Store ready for appends. Malformed lines are
// skipped, not treated as an unreadable file.
// It acquires a single-writer OS file lock for the process lifetime;
// on platforms where that lock is unavailable the lock degrades to a
// no-op with a logged warning (never silently skipped).
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		backup: path + ".backup",
	}
	lh, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("alertstore: acquire lock: %w", err)
	}
	s.lockFile = lh

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := readEnvelopes(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("alertstore: primary log unreadable, trying backup")
			entries, err = readEnvelopes(s.backup)
		}
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("alertstore: load: %w", err)
	}
	s.log = entries
	return nil
}

func readEnvelopes(path string) ([]Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Error().Int("line", lineNo).Err(err).Msg("alertstore: skipping malformed line")
			continue
		}
		out = append(out, env)
	}
	return out, scanner.Err()
}

// Persist appends alert's envelope atomically (buffered to a newline
// then written once, never a partial line) and returns its offset
// (index into the receipt-ordered log).
func (s *Store) Persist(env Envelope) (int, error) {
	s.mu.Lock()
	s.log = append(s.log, env)
	offset := len(s.log) - 1
	snapshot := make([]Envelope, len(s.log))
	copy(snapshot, s.log)
	s.mu.Unlock()

	if err := s.appendLine(env); err != nil {
		return 0, err
	}
	return offset, nil
}

func (s *Store) appendLine(env Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("alertstore: marshal: %w", err)
	}
	line = append(line, '\n')

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			if _, werr := f.Write(line); werr == nil {
				f.Close()
				return nil
			} else {
				lastErr = werr
				f.Close()
			}
		} else {
			lastErr = err
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("alertstore: append failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("alertstore: persist failure after retries: %w", lastErr)
}

// LatestN returns up to n most recently persisted alerts, oldest
// first, for startup recovery and debugging.
func (s *Store) LatestN(n int) []Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.log) {
		n = len(s.log)
	}
	out := make([]Envelope, n)
	copy(out, s.log[len(s.log)-n:])
	return out
}

// Snapshot returns every envelope persisted so far, in receipt order.
func (s *Store) Snapshot() []Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Envelope, len(s.log))
	copy(out, s.log)
	return out
}

// Len reports how many alerts are currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Close releases the store's OS file lock.
func (s *Store) Close() error {
	if s.lockFile == nil {
		return nil
	}
	return s.lockFile.release()
}
