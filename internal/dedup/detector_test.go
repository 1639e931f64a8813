package dedup

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckAndAddExactDuplicates(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	require.False(t, d.CheckAndAdd("aabbccdd", ""), "fresh hash is unique")
	require.True(t, d.CheckAndAdd("aabbccdd", ""))
	require.True(t, d.CheckAndAdd("aabbccdd", ""))

	stats := d.Statistics()
	require.EqualValues(t, 2, stats.DuplicateCount)
	require.EqualValues(t, 3, stats.TotalChecked)
	require.InDelta(t, 2.0/3.0, stats.DuplicateRate, 0.0001)
	require.Equal(t, 1, stats.UniqueHashes)
}

func TestPerceptualMatchingWithinThreshold(t *testing.T) {
	d := New(Config{Perceptual: true, SimilarityThreshold: 5}, zap.NewNop())

	// 16 hex chars = 64-bit perceptual hash.
	require.False(t, d.CheckAndAdd("hash-one", "ffffffffffffffff"))

	// Distance 4 from the stored hash (one nibble 0xf -> 0x0).
	require.True(t, d.CheckAndAdd("hash-two", "ffffffffffffff0f"),
		"distinct exact hashes, but perceptually similar")

	// Distance 8: beyond the threshold.
	require.False(t, d.CheckAndAdd("hash-three", "ffffffffffff00ff"))
}

func TestPerceptualDisabledIgnoresSimilarity(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	require.False(t, d.CheckAndAdd("hash-one", "ffffffffffffffff"))
	require.False(t, d.CheckAndAdd("hash-two", "ffffffffffffffff"),
		"perceptual matching is off, only exact hashes count")
}

func TestPerceptualLengthMismatchNeverMatches(t *testing.T) {
	d := New(Config{Perceptual: true}, zap.NewNop())

	require.False(t, d.CheckAndAdd("hash-one", "ffffffffffffffff"))
	require.False(t, d.CheckAndAdd("hash-two", "ffff"),
		"hashes of different lengths are infinitely distant")
}

func TestCheckAndAddWithThresholdOverride(t *testing.T) {
	d := New(Config{Perceptual: true, SimilarityThreshold: 5}, zap.NewNop())

	require.False(t, d.CheckAndAdd("hash-one", "ffffffffffffffff"))
	// Distance 4 would match at the default threshold, not at 2.
	require.False(t, d.CheckAndAddWithThreshold("hash-two", "ffffffffffffff0f", 2))
}

func TestExportImportRoundTrip(t *testing.T) {
	d := New(Config{Perceptual: true}, zap.NewNop())
	require.False(t, d.CheckAndAdd("exact-a", "aaaaaaaaaaaaaaaa"))
	require.False(t, d.CheckAndAdd("exact-b", "0000000000000000"))

	snap := d.Export()

	// The snapshot is a plain structure and must survive JSON.
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var restoredSnap Snapshot
	require.NoError(t, json.Unmarshal(raw, &restoredSnap))

	restored := New(Config{Perceptual: true}, zap.NewNop())
	restored.Import(restoredSnap)

	require.True(t, restored.CheckAndAdd("exact-a", ""))
	require.True(t, restored.CheckAndAdd("exact-b", ""))
	require.True(t, restored.CheckAndAdd("exact-c", "aaaaaaaaaaaaaaab"),
		"perceptual buckets survive the round trip")
	require.False(t, restored.CheckAndAdd("exact-d", "5555555555555555"))
}

func TestRemovePrunesPerceptualBuckets(t *testing.T) {
	d := New(Config{Perceptual: true}, zap.NewNop())
	require.False(t, d.CheckAndAdd("exact-a", "aaaaaaaaaaaaaaaa"))

	require.True(t, d.Remove("exact-a"))
	require.False(t, d.Remove("exact-a"), "second removal reports absence")

	require.Equal(t, 0, d.Statistics().UniqueHashes)
	require.Equal(t, 0, d.Statistics().PerceptualBuckets)
	require.False(t, d.CheckAndAdd("exact-b", "aaaaaaaaaaaaaaaa"),
		"bucket was pruned, no stale match")
}

func TestClearKeepsSessionCounters(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	require.False(t, d.CheckAndAdd("exact-a", ""))
	require.True(t, d.CheckAndAdd("exact-a", ""))

	d.Clear()

	stats := d.Statistics()
	require.Equal(t, 0, stats.UniqueHashes)
	require.EqualValues(t, 2, stats.TotalChecked)
	require.False(t, d.CheckAndAdd("exact-a", ""), "cleared hash reads as fresh")
}

func TestDuplicateRateZeroWhenUnchecked(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	require.Zero(t, d.Statistics().DuplicateRate)
}

func TestHammingDistance(t *testing.T) {
	cases := []struct {
		name       string
		a, b       string
		dist       int
		comparable bool
	}{
		{"identical", "ffffffffffffffff", "ffffffffffffffff", 0, true},
		{"one bit", "0000000000000000", "0000000000000001", 1, true},
		{"one nibble", "0000000000000000", "000000000000000f", 4, true},
		{"all bits", "0000000000000000", "ffffffffffffffff", 64, true},
		{"longer than 64 bits", "00000000000000000000", "0000000000000000000f", 4, true},
		{"length mismatch", "ffff", "ffffffff", 0, false},
		{"empty", "", "", 0, false},
		{"invalid hex", "zzzzzzzzzzzzzzzz", "ffffffffffffffff", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dist, ok := hammingDistance(tc.a, tc.b)
			require.Equal(t, tc.comparable, ok)
			if ok {
				require.Equal(t, tc.dist, dist)
			}
		})
	}
}

func TestGroupBatch(t *testing.T) {
	groups := GroupBatch([]string{"a", "b", "a", "c", "a", "b"})
	require.Equal(t, map[string][]string{
		"a": {"a", "a"},
		"b": {"b"},
	}, groups)

	require.Empty(t, GroupBatch([]string{"x", "y"}))
	require.Empty(t, GroupBatch(nil))
}
