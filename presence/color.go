package presence

import "github.com/cespare/xxhash/v2"

// palette is a fixed set of visually distinct cursor colors assigned
// deterministically per user, so the same person always shows the same
// color across reconnects and across every other participant's client
// (spec.md §3 Session.color).
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

// ColorForUser deterministically maps a user id to a palette entry by
// hashing with xxhash, the same library the teacher carries only as a
// transitive dependency of go-redis (spec_full.md §10 promotes it to a
// direct one here).
func ColorForUser(userID string) string {
	h := xxhash.Sum64String(userID)
	return palette[h%uint64(len(palette))]
}
