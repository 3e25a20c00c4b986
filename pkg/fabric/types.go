// Package fabric drives the Microsoft Fabric and Power BI admin REST APIs:
// entity discovery, cursor pagination, rate-limit handling, and windowed
// reads of operational records.
package fabric

import (
	"time"

	"github.com/fabricsight/fabricsight/pkg/config"
)

// EntityKind identifies a monitored object type
type EntityKind string

const (
	KindWorkspace EntityKind = "workspace"
	KindPipeline  EntityKind = "pipeline"
	KindDataflow  EntityKind = "dataflow"
	KindDataset   EntityKind = "dataset"
	KindCapacity  EntityKind = "capacity"
)

// EntityRef is a concrete monitored object, immutable for a run.
// Workspace is the parent workspace ID for item-scoped kinds (pipelines,
// dataflows) and empty for tenant-scoped kinds.
type EntityRef struct {
	ID        string
	Name      string
	Kind      EntityKind
	Workspace string
}

// Scope makes the "all vs explicit" choice explicit instead of using an
// empty-list sentinel.
type Scope struct {
	All bool
	IDs []string
}

// ScopeAll resolves to every accessible entity of a kind
func ScopeAll() Scope {
	return Scope{All: true}
}

// ScopeExplicit resolves to exactly the configured IDs, no existence check
func ScopeExplicit(ids []string) Scope {
	return Scope{IDs: ids}
}

// Mode is the collection window mode
type Mode string

const (
	ModeBulk             Mode = config.ModeBulk
	ModeIncremental      Mode = config.ModeIncremental
	ModeActivityBackfill Mode = config.ModeActivityBackfill
)

// Window is the time range one run collects. Start is always before End.
type Window struct {
	Start time.Time
	End   time.Time
	Mode  Mode
}

// NewWindow builds a window ending now with the mode's effective lookback
func NewWindow(mode Mode, lookback time.Duration, now time.Time) Window {
	if lookback <= 0 {
		lookback = config.DefaultLookback(string(mode))
	}
	return Window{
		Start: now.Add(-lookback),
		End:   now,
		Mode:  mode,
	}
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// DetailLevel trades completeness for API quota on large backfills
type DetailLevel string

const (
	// DetailSummary skips sub-resource fetches
	DetailSummary DetailLevel = config.DetailSummary
	// DetailFull issues one additional paginated sub-call per parent record
	DetailFull DetailLevel = config.DetailFull
)

// RawRecord is a record exactly as a source API page returned it. It lives
// until normalization and is not retained afterwards.
type RawRecord map[string]interface{}

// timeFields lists, per kind, the fields consulted for client-side window
// filtering. Server-side time filters are applied too, but some API
// families filter imprecisely, so records are re-checked here.
var timeFields = map[EntityKind][]string{
	KindPipeline:  {"startTimeUtc", "startTime"},
	KindDataflow:  {"startTime", "startTimeUtc"},
	KindDataset:   {"startTime", "endTime"},
	KindWorkspace: {"CreationTime", "creationTime"},
	KindCapacity:  {"timestamp", "timeGenerated"},
}

// RecordTime extracts the record's event time for window filtering.
// Returns false when no known field parses; such records are kept.
func RecordTime(kind EntityKind, rec RawRecord) (time.Time, bool) {
	for _, field := range timeFields[kind] {
		v, ok := rec[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
