//go:build !unix

package alertstore

import "github.com/rs/zerolog/log"

// lockHandle degrades to a no-op on non-Unix platforms; this is
// logged explicitly rather than silently skipped.
type lockHandle struct{}

func acquireLock(path string) (*lockHandle, error) {
	log.Warn().Str("path", path).Msg("alertstore: platform has no flock support, single-writer lock not enforced")
	return &lockHandle{}, nil
}

func (l *lockHandle) release() error {
	return nil
}
