package collab

import (
	"fmt"
	"sync"
)

// retainedWindow is the default W of spec §4.2: once current_version
// exceeds it, the oldest quartile becomes eligible for truncation.
const retainedWindow = 1000

// History is the per-document append-only, version-numbered operation log
// (spec §3, §4.2). It owns the in-memory index and the snapshot the index
// is relative to; DocumentHub is the only writer.
type History struct {
	mu             sync.RWMutex
	index          *versionIndex
	transformer    *Transformer
	snapshot       string // text at snapshotVersion
	snapshotVer    int64
	currentVersion int64
}

// NewHistory builds a History seeded from a persisted snapshot and the
// operations recorded since it (normally supplied by HubRegistry replaying
// the OperationStore).
func NewHistory(snapshot string, snapshotVersion int64, replay []Operation, t *Transformer) (*History, error) {
	h := &History{
		index:          newVersionIndex(),
		transformer:    t,
		snapshot:       snapshot,
		snapshotVer:    snapshotVersion,
		currentVersion: snapshotVersion,
	}
	h.index.floor = snapshotVersion
	for _, op := range replay {
		if err := h.index.insert(op); err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		h.currentVersion = op.Version
	}
	return h, nil
}

// CurrentVersion returns the latest accepted version.
func (h *History) CurrentVersion() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentVersion
}

// RetainedFloor returns the oldest version a client can incrementally sync
// from; older clients must full-resync from a snapshot (spec §4.2, Glossary
// "Retained floor").
func (h *History) RetainedFloor() int64 {
	return h.index.retainedFloor()
}

// Since returns the suffix of operations with version > v (spec §4.2).
func (h *History) Since(v int64) []Operation {
	return h.index.since(v)
}

// Append assigns the next version to op and adds it to the log. Callers
// are expected to have already transformed op against every intervening
// operation (via TransformAgainstNew) before calling Append — History
// itself does not re-transform.
func (h *History) Append(op Operation) (Operation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	op.Version = h.currentVersion + 1
	if err := h.index.insert(op); err != nil {
		return Operation{}, err
	}
	h.currentVersion = op.Version
	return op, nil
}

// TransformAgainstNew folds op forward through every operation accepted
// since baseVersion, producing the operation the Hub will actually append
// (spec §4.2 transform_against_new). Folding can turn one operation into
// two (a DELETE split by an intervening INSERT); every result is folded
// against the remaining history in turn.
func (h *History) TransformAgainstNew(op Operation, baseVersion int64) []Operation {
	intervening := h.Since(baseVersion)
	pending := []Operation{op}

	for _, past := range intervening {
		var next []Operation
		for _, p := range pending {
			next = append(next, h.transformer.Transform(p, past)...)
		}
		pending = next
	}
	return pending
}

// TextFrom replays operations[snapshotVersion..current] onto snapshot
// (spec §4.2). It is also how Sync responses and fresh-Hub bootstrapping
// reconstruct current text without needing a live cache of it.
func (h *History) TextFrom(snapshot string, snapshotVersion int64) (string, error) {
	ops := h.Since(snapshotVersion)
	text := snapshot
	for _, op := range ops {
		var err error
		text, err = applyTo(text, op)
		if err != nil {
			return "", fmt.Errorf("replay version %d: %w", op.Version, err)
		}
	}
	return text, nil
}

// Text returns the current document text, replaying from the History's own
// retained snapshot. Returns an error if the snapshot is stale and more
// operations have been truncated than retained — callers needing guaranteed
// full text should keep a running copy instead of calling this repeatedly
// (DocumentHub does; see hub.go).
func (h *History) Text() (string, error) {
	h.mu.RLock()
	snap, snapVer := h.snapshot, h.snapshotVer
	h.mu.RUnlock()
	return h.TextFrom(snap, snapVer)
}

// MaybeTruncate implements the retained-window policy of spec §4.2: once
// current_version exceeds W, the oldest quartile may be dropped, provided
// the caller has already durably emitted a snapshot at that version. text
// is the freshly computed full text as of newSnapshotVersion, which becomes
// the History's new in-memory base.
func (h *History) MaybeTruncate(newSnapshotVersion int64, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentVersion <= retainedWindow {
		return
	}
	quartileFloor := h.currentVersion - h.currentVersion/4
	if newSnapshotVersion > quartileFloor {
		quartileFloor = newSnapshotVersion
	}
	if quartileFloor <= h.snapshotVer {
		return
	}

	h.index.truncateUpTo(quartileFloor)
	h.snapshot = text
	h.snapshotVer = quartileFloor
}

// Stats reports the index health (retained floor, in-memory op count),
// grounded on the teacher's SpatialIndex.GetStats reporting shape.
func (h *History) Stats() map[string]interface{} {
	return h.index.stats()
}
