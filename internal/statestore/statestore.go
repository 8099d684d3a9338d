// Package statestore implements the persistent set of processed-
// threat fingerprints described in spec.md §4.3. Grounded on
// internal/ai/approval/store.go's mutex-guarded-map-plus-disk
// -snapshot pattern and internal/alerts/history.go's periodic-save
// ticker.
package statestore

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is the per-fingerprint bookkeeping stored on disk.
type Record struct {
	FirstSeenTS time.Time `json:"first_seen_ts"`
	Count       int       `json:"count"`
}

const saveInterval = 500 * time.Millisecond // satisfies the "<1s" contract

// Store is the State Store. Written only by the Filter/Dedup task;
// readers get the in-memory snapshot, per spec.md §5.
type Store struct {
	mu    sync.RWMutex
	path  string
	seen  map[string]Record
	dirty bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Open loads the prior set from path if present. A corrupt file is
// logged at ERROR and replaced with an empty set — spec.md §4.3
// explicitly forbids silently proceeding with unknown state.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		seen: make(map[string]Record),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var loaded map[string]Record
		if uerr := json.Unmarshal(data, &loaded); uerr != nil {
			log.Error().Err(uerr).Str("path", path).Msg("statestore: corrupt file, resetting to empty")
			s.seen = make(map[string]Record)
		} else {
			s.seen = loaded
		}
	case os.IsNotExist(err):
		// first run; empty set is correct, not an error.
	default:
		return nil, err
	}

	go s.periodicSave()
	return s, nil
}

// SeenBefore reports whether fingerprint has already been marked.
func (s *Store) SeenBefore(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[fingerprint]
	return ok
}

// MarkSeen records fingerprint as processed. Idempotent: marking an
// already-seen fingerprint only increments its count.
func (s *Store) MarkSeen(fingerprint string) {
	s.mu.Lock()
	rec, existed := s.seen[fingerprint]
	if !existed {
		rec = Record{FirstSeenTS: time.Now()}
	}
	rec.Count++
	s.seen[fingerprint] = rec
	s.dirty = true
	s.mu.Unlock()
}

func (s *Store) periodicSave() {
	defer close(s.done)
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.saveIfDirty()
		case <-s.stop:
			s.saveIfDirty()
			return
		}
	}
}

func (s *Store) saveIfDirty() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := make(map[string]Record, len(s.seen))
	for k, v := range s.seen {
		snapshot[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("statestore: marshal failed")
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Msg("statestore: write tmp failed")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Error().Err(err).Msg("statestore: rename failed")
	}
}

// Stop flushes pending writes and stops the background saver.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Len reports how many fingerprints are tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
