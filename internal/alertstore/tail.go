package alertstore

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Stream sends every Envelope of the store's in-memory log from offset
// (an index into the receipt-ordered log, as returned by Persist)
// onward on the returned channel. The channel is closed when ctx is
// done. An fsnotify watch on the NDJSON file triggers a re-check after
// each write, so new appends become visible without reopening; only
// envelopes persisted through this Store are sent, since lines other
// writers append to the file are not read back.
func (s *Store) Stream(ctx context.Context, fromOffset int) (<-chan Envelope, error) {
	out := make(chan Envelope, 16)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		defer close(out)
		defer watcher.Close()

		sent := fromOffset
		flush := func() {
			snap := s.Snapshot()
			for sent < len(snap) {
				select {
				case out <- snap[sent]:
					sent++
				case <-ctx.Done():
					return
				}
			}
		}
		flush()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					flush()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(werr).Msg("alertstore: watch error")
			}
		}
	}()

	return out, nil
}

// TailLines follows an external log file line-by-line, emitting each
// new complete line on the returned channel — this is the file-tailer
// subcomponent of spec.md §4.5 used when alerts arrive from an
// upstream process outside this one.
func TailLines(ctx context.Context, path string) (<-chan string, error) {
	out := make(chan string, 64)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, err
	}

	go func() {
		defer close(out)
		defer watcher.Close()
		defer f.Close()

		reader := bufio.NewReader(f)
		partial := ""
		emitAvailable := func() {
			for {
				line, rerr := reader.ReadString('\n')
				if rerr != nil {
					// Keep an unterminated tail until its newline arrives.
					partial += line
					return
				}
				line = partial + line
				partial = ""
				select {
				case out <- line[:len(line)-1]:
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					emitAvailable()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(werr).Msg("alertstore: tail watch error")
			}
		}
	}()

	return out, nil
}
