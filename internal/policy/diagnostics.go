package policy

import (
	"encoding/json"
	"sort"
	"time"
)

// diagnosticSlot is the cached latest diagnostics from one server for
// one URI (spec.md §4.4 "Policy keeps, for each (server_index, uri),
// the latest version and diagnostics array").
type diagnosticSlot struct {
	hasVersion  bool
	version     int
	diagnostics []Diagnostic
	receivedAt  time.Time
}

// uriState tracks per-URI coalescing state across all servers.
type uriState struct {
	slots       map[int]diagnosticSlot
	pendingFlag bool // a coalescing flush is already scheduled for this URI
}

// Aggregator implements the diagnostics aggregation and tardy-drop
// rules of spec.md §4.4. It is owned and driven exclusively by the
// Router's single event-loop goroutine; it holds no internal locks.
type Aggregator struct {
	byURI        map[string]*uriState
	coalesce     time.Duration
	dropTardy    bool
	tardyTimeout time.Duration
	serverName   func(serverIndex int) string
}

// NewAggregator builds an Aggregator. coalesce is the rate-limit
// window (default 50ms); tardyTimeout is the per-server window after
// which late diagnostics are either dropped (dropTardy) or merged
// whenever they arrive; serverName resolves a server index to its
// display name for the Diagnostic.Source fallback.
func NewAggregator(coalesce, tardyTimeout time.Duration, dropTardy bool, serverName func(int) string) *Aggregator {
	return &Aggregator{
		byURI:        map[string]*uriState{},
		coalesce:     coalesce,
		dropTardy:    dropTardy,
		tardyTimeout: tardyTimeout,
		serverName:   serverName,
	}
}

// UpdateResult reports what the Router should do after feeding in one
// server's publishDiagnostics notification.
type UpdateResult struct {
	Stale        bool // version was older than the last seen from this server for this URI, or tardy under dropTardy; dropped
	ShouldFlush  bool // the coalescing window has no pending flush yet; schedule one now
}

// Update records one server's publishDiagnostics notification for a
// URI. triggeredAt is the time of the didChange that produced this
// document version, used to judge tardiness; pass the zero time to
// skip the tardy check (e.g. for diagnostics unrelated to a tracked
// edit).
func (a *Aggregator) Update(serverIndex int, params PublishDiagnosticsParams, now time.Time, triggeredAt time.Time) UpdateResult {
	st, ok := a.byURI[params.URI]
	if !ok {
		st = &uriState{slots: map[int]diagnosticSlot{}}
		a.byURI[params.URI] = st
	}

	if !triggeredAt.IsZero() && a.dropTardy && now.Sub(triggeredAt) > a.tardyTimeout {
		return UpdateResult{Stale: true}
	}

	prev, hadPrev := st.slots[serverIndex]
	if hadPrev && prev.hasVersion && params.Version != nil && *params.Version < prev.version {
		return UpdateResult{Stale: true}
	}

	diags := make([]Diagnostic, len(params.Diagnostics))
	copy(diags, params.Diagnostics)
	for i := range diags {
		if diags[i].Source == "" && a.serverName != nil {
			diags[i].Source = a.serverName(serverIndex)
		}
	}

	slot := diagnosticSlot{diagnostics: diags, receivedAt: now}
	if params.Version != nil {
		slot.hasVersion = true
		slot.version = *params.Version
	}
	st.slots[serverIndex] = slot

	shouldFlush := !st.pendingFlag
	if shouldFlush {
		st.pendingFlag = true
	}
	return UpdateResult{ShouldFlush: shouldFlush}
}

// Flush computes the merged publishDiagnostics payload for uri and
// clears its pending-flush flag. Call after the coalescing window
// elapses, or immediately on shutdown for every tracked URI.
func (a *Aggregator) Flush(uri string) (PublishDiagnosticsParams, bool) {
	st, ok := a.byURI[uri]
	if !ok {
		return PublishDiagnosticsParams{}, false
	}
	st.pendingFlag = false

	indices := make([]int, 0, len(st.slots))
	for i := range st.slots {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	merged := PublishDiagnosticsParams{URI: uri}
	maxVersion := -1
	allHaveVersion := len(indices) > 0
	for _, i := range indices {
		slot := st.slots[i]
		merged.Diagnostics = append(merged.Diagnostics, slot.diagnostics...)
		if !slot.hasVersion {
			allHaveVersion = false
			continue
		}
		if slot.version > maxVersion {
			maxVersion = slot.version
		}
	}
	if merged.Diagnostics == nil {
		merged.Diagnostics = []Diagnostic{}
	}
	if allHaveVersion && maxVersion >= 0 {
		v := maxVersion
		merged.Version = &v
	}
	return merged, true
}

// CoalesceWindow returns the configured coalescing window.
func (a *Aggregator) CoalesceWindow() time.Duration { return a.coalesce }

// PendingURIs lists every URI with at least one cached slot, for use
// when flushing everything on shutdown.
func (a *Aggregator) PendingURIs() []string {
	out := make([]string, 0, len(a.byURI))
	for uri := range a.byURI {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// MarshalDiagnostics is a convenience for callers writing the merged
// params back out over the wire.
func MarshalDiagnostics(p PublishDiagnosticsParams) (json.RawMessage, error) {
	return json.Marshal(p)
}
