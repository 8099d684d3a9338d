// Package alert defines the Alert type and the pure parser that turns
// raw IDS text into structured facets.
package alert

import "time"

// Alert is a single IDS finding as received by the Ingest API or the
// file-tailer. RawText is never mutated after Persist; Facets is a
// view computed from RawText, never a source of truth.
type Alert struct {
	RawText    string
	RunID      string
	ReceivedAt time.Time
	Facets     ParsedFacets
}

// New parses raw and stamps it with the current time and run id.
func New(raw, runID string, now time.Time) Alert {
	return Alert{
		RawText:    raw,
		RunID:      runID,
		ReceivedAt: now,
		Facets:     Parse(raw),
	}
}

// ThreatLevel mirrors spec.md's threat_level enumeration.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

func (t ThreatLevel) Valid() bool {
	switch t {
	case ThreatInfo, ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical:
		return true
	}
	return false
}
