package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotKeyRoundTripsThroughParseVersionSuffix(t *testing.T) {
	key := snapshotKey("doc-1", 42)
	prefix := snapshotPrefix("doc-1")

	version, ok := parseVersionSuffix(prefix, key)
	assert.True(t, ok)
	assert.EqualValues(t, 42, version)
}

func TestParseVersionSuffixRejectsMalformedKeys(t *testing.T) {
	prefix := snapshotPrefix("doc-1")

	_, ok := parseVersionSuffix(prefix, prefix+"not-a-version")
	assert.False(t, ok)

	_, ok = parseVersionSuffix(prefix, prefix+"v")
	assert.False(t, ok)
}

func TestParseVersionSuffixPicksHighestAmongCandidates(t *testing.T) {
	prefix := snapshotPrefix("doc-1")
	keys := []string{prefix + "v5-100", prefix + "v500-200", prefix + "v42-300"}

	var best int64
	for _, k := range keys {
		if v, ok := parseVersionSuffix(prefix, k); ok && v >= best {
			best = v
		}
	}
	assert.EqualValues(t, 500, best)
}
