package collab

import (
	"fmt"
	"sort"
	"sync"
)

// versionIndex is a sorted, mutex-guarded index over a document's in-memory
// operation log, keyed by the monotonic version number instead of a 2-D
// bounding box. It is the 1-D descendant of the teacher's SpatialIndex
// (spatial.go): that R-tree indexed strokes by (x, y) bounding box for
// viewport queries; a version is a single monotonically increasing integer,
// so an R-tree is the wrong structure — a sorted slice and sort.Search give
// the same "range query" capability spec §4.2's since()/truncate() need,
// without pulling in a spatial tree dependency this domain never exercises.
type versionIndex struct {
	mu    sync.RWMutex
	ops   []Operation // sorted ascending by Version, Version == index+floor+1
	floor int64       // lowest version still retained (spec §4.2 "retained floor")
}

func newVersionIndex() *versionIndex {
	return &versionIndex{ops: make([]Operation, 0, 256)}
}

// insert appends an operation; callers must guarantee strictly increasing
// versions (the Hub's single-writer loop is what makes this true).
func (vi *versionIndex) insert(op Operation) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if len(vi.ops) > 0 {
		last := vi.ops[len(vi.ops)-1]
		if op.Version != last.Version+1 {
			return fmt.Errorf("non-contiguous version insert: have %d, got %d", last.Version, op.Version)
		}
	} else if op.Version != vi.floor+1 {
		return fmt.Errorf("non-contiguous version insert: floor %d, got %d", vi.floor, op.Version)
	}

	vi.ops = append(vi.ops, op)
	return nil
}

// since returns the suffix of operations with version > v, in ascending
// order (spec §4.2 History.since). Binary search locates the first element
// with Version > v; the slice from there to the end is the answer.
func (vi *versionIndex) since(v int64) []Operation {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	idx := sort.Search(len(vi.ops), func(i int) bool {
		return vi.ops[i].Version > v
	})
	out := make([]Operation, len(vi.ops)-idx)
	copy(out, vi.ops[idx:])
	return out
}

// currentVersion returns the highest version currently retained, or the
// floor if the index is empty.
func (vi *versionIndex) currentVersion() int64 {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	if len(vi.ops) == 0 {
		return vi.floor
	}
	return vi.ops[len(vi.ops)-1].Version
}

// retainedFloor returns the oldest version still present in memory; a
// sync() request below this must fail with ErrStaleBase (spec §4.3).
func (vi *versionIndex) retainedFloor() int64 {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.floor
}

// truncateUpTo drops operations with version <= upTo from memory, raising
// the retained floor. Callers must have already durably snapshotted the
// text at upTo (spec §4.2: "truncated iff a fresh snapshot... has been
// emitted").
func (vi *versionIndex) truncateUpTo(upTo int64) {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	idx := sort.Search(len(vi.ops), func(i int) bool {
		return vi.ops[i].Version > upTo
	})
	if idx == 0 {
		return
	}
	vi.ops = append([]Operation(nil), vi.ops[idx:]...)
	vi.floor = upTo
}

// len reports how many operations are currently retained in memory.
func (vi *versionIndex) len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.ops)
}

// stats mirrors the teacher's SpatialIndex.GetStats shape, reporting
// index health instead of spatial tree geometry.
func (vi *versionIndex) stats() map[string]interface{} {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return map[string]interface{}{
		"retained_operations": len(vi.ops),
		"retained_floor":      vi.floor,
		"current_version":     vi.currentVersionLocked(),
	}
}

func (vi *versionIndex) currentVersionLocked() int64 {
	if len(vi.ops) == 0 {
		return vi.floor
	}
	return vi.ops[len(vi.ops)-1].Version
}
