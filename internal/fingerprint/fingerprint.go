// Package fingerprint computes the stable deduplication key for an
// alert: Fingerprint(raw) == Fingerprint(raw) across restarts and
// machines (spec.md §8 property 2).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/labsin-uncuyo/defender-core/internal/alert"
)

// Fingerprint is the canonicalised tuple described in spec.md §3:
// (source_ip|"-", destination_ip|"-", attack_class|raw_hash_prefix).
type Fingerprint struct {
	Key    string // the canonical tuple, joined by "|"
	Digest string // full hex sha256 of Key, used for stable hashing
}

// Prefix returns the first n hex characters of the digest, used by
// the journal for correlation ids.
func (f Fingerprint) Prefix(n int) string {
	if n > len(f.Digest) {
		n = len(f.Digest)
	}
	return f.Digest[:n]
}

// Compute derives a Fingerprint from an alert's raw text, its parsed
// facets, and the attack class assigned by the filter (empty string
// if none was assigned, e.g. alerts evaluated outside the normal
// flow). Pure: identical inputs always yield an identical Fingerprint.
func Compute(raw string, facets alert.ParsedFacets, attackClass string) Fingerprint {
	src, dst := "-", "-"
	if f, ok := facets.(alert.StructuredFacets); ok {
		if f.SourceIP != "" {
			src = f.SourceIP
		}
		if f.DestinationIP != "" {
			dst = f.DestinationIP
		}
	}

	classOrHash := attackClass
	if classOrHash == "" {
		classOrHash = rawHashPrefix(raw)
	}

	key := strings.Join([]string{src, dst, classOrHash}, "|")
	sum := sha256.Sum256([]byte(key))
	return Fingerprint{Key: key, Digest: hex.EncodeToString(sum[:])}
}

func normalise(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func rawHashPrefix(raw string) string {
	sum := sha256.Sum256([]byte(normalise(raw)))
	return hex.EncodeToString(sum[:])[:12]
}
