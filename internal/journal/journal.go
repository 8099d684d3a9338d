// Package journal implements the append-only structured timeline
// described in spec.md §4.1: one JSON object per line, a single
// serialised writer, non-blocking Append at the call site.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labsin-uncuyo/defender-core/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the journal entry's severity/category, per spec.md §3.
type Level string

const (
	LevelInit  Level = "INIT"
	LevelAlert Level = "ALERT"
	LevelPlan  Level = "PLAN"
	LevelSSH   Level = "SSH"
	LevelExec  Level = "EXEC"
	LevelDone  Level = "DONE"
	LevelError Level = "ERROR"
)

// Entry is one line of the timeline.
type Entry struct {
	TS    time.Time   `json:"ts"`
	Level Level       `json:"level"`
	Msg   string      `json:"msg"`
	Alert string      `json:"alert,omitempty"`
	Exec  string      `json:"exec,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

const (
	defaultQueueSize     = 1024
	defaultEnqueueTimeout = 200 * time.Millisecond
)

// Writer is the single serialised journal writer. Multiple goroutines
// call Append concurrently; exactly one goroutine (started by New)
// drains the queue and writes lines, mirroring the
// internal/alerts/history.go convention of serialising disk writes
// behind one path while allowing concurrent callers.
type Writer struct {
	path          string
	queue         chan Entry
	enqueueWait   time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
	dropped       uint64
	inDropBurst   atomic.Bool
	file          *os.File
	bw            *bufio.Writer
	mirror        bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithQueueSize overrides the default bounded-channel size.
func WithQueueSize(n int) Option {
	return func(w *Writer) { w.queue = make(chan Entry, n) }
}

// WithMirrorToLog enables mirroring every entry to the zerolog global
// logger at a matching level, serving as the "human-readable detailed
// log" called for in spec.md §6 when the logger's writer is itself
// configured to also tee to auto_responder_detailed.log.
func WithMirrorToLog(enabled bool) Option {
	return func(w *Writer) { w.mirror = enabled }
}

// New opens (creating if needed) the journal file at path and starts
// the writer goroutine. Callers must call Stop to flush and exit.
func New(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	w := &Writer{
		path:        path,
		queue:       make(chan Entry, defaultQueueSize),
		enqueueWait: defaultEnqueueTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		file:        f,
		bw:          bufio.NewWriter(f),
		mirror:      true,
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w, nil
}

// Append enqueues entry for writing. Non-blocking at the call site up
// to enqueueWait; on timeout the entry is dropped, a counter
// increments, and at most one synthetic ERROR entry is emitted per
// contiguous drop burst (spec.md §4.1's back-pressure policy).
func (w *Writer) Append(e Entry) {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	// The alert correlation field carries only the first 8 hex chars of
	// the fingerprint digest, whichever form the caller passed.
	if len(e.Alert) > 8 {
		e.Alert = e.Alert[:8]
	}
	select {
	case w.queue <- e:
		return
	default:
	}

	timer := time.NewTimer(w.enqueueWait)
	defer timer.Stop()
	select {
	case w.queue <- e:
	case <-timer.C:
		atomic.AddUint64(&w.dropped, 1)
		metrics.JournalDropsTotal.Inc()
		if w.inDropBurst.CompareAndSwap(false, true) {
			w.enqueueErrorLocked("journal queue full, dropping entries")
		}
	}
}

// enqueueErrorLocked tries once, non-blockingly, to record the
// drop-burst marker; if the queue is still full it only logs, since a
// second forced block here would defeat the purpose of Append being
// non-blocking.
func (w *Writer) enqueueErrorLocked(msg string) {
	entry := Entry{TS: time.Now(), Level: LevelError, Msg: msg}
	select {
	case w.queue <- entry:
	default:
		log.Error().Msg(msg)
	}
}

// Dropped returns the total number of entries dropped since startup.
func (w *Writer) Dropped() uint64 {
	return atomic.LoadUint64(&w.dropped)
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case e := <-w.queue:
			w.writeLine(e)
		case <-w.stop:
			w.drainRemaining()
			w.bw.Flush()
			w.file.Close()
			return
		}
	}
}

func (w *Writer) drainRemaining() {
	for {
		select {
		case e := <-w.queue:
			w.writeLine(e)
		default:
			return
		}
	}
}

func (w *Writer) writeLine(e Entry) {
	if e.Level != LevelError {
		w.inDropBurst.Store(false)
	}
	line, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("journal: marshal entry failed")
		return
	}
	line = append(line, '\n')
	if _, err := w.bw.Write(line); err != nil {
		log.Error().Err(err).Msg("journal: write failed")
		return
	}
	if err := w.bw.Flush(); err != nil {
		log.Error().Err(err).Msg("journal: flush failed")
	}

	if w.mirror {
		mirrorToLog(e)
	}
}

func mirrorToLog(e Entry) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelError:
		ev = log.Error()
	case LevelInit, LevelDone:
		ev = log.Info()
	default:
		ev = log.Debug()
	}
	if e.Alert != "" {
		ev = ev.Str("alert", e.Alert)
	}
	if e.Exec != "" {
		ev = ev.Str("exec", e.Exec)
	}
	ev.Str("level", string(e.Level)).Msg(e.Msg)
}

// Stop flushes remaining entries and closes the journal file. Safe to
// call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}
