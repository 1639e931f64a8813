// Package dedup recognizes previously seen image payloads before they are
// persisted, by exact content hash and optionally by perceptual-hash
// similarity.
package dedup

import (
	"math/bits"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// DefaultSimilarityThreshold is the Hamming distance at or below which two
// perceptual hashes are considered the same image.
const DefaultSimilarityThreshold = 5

// Config holds detector configuration.
type Config struct {
	// Perceptual enables near-duplicate matching on perceptual hashes.
	Perceptual bool
	// SimilarityThreshold is the Hamming distance cutoff for perceptual
	// matches. Zero means DefaultSimilarityThreshold.
	SimilarityThreshold int
}

// Statistics is a read-only snapshot of detector counters.
type Statistics struct {
	UniqueHashes      int   `json:"unique_hashes"`
	PerceptualBuckets int   `json:"perceptual_buckets"`
	DuplicateCount    int64 `json:"duplicate_count"`
	TotalChecked      int64 `json:"total_checked"`
	// DuplicateRate is DuplicateCount/TotalChecked as a 0-1 ratio, 0 when
	// nothing has been checked.
	DuplicateRate float64 `json:"duplicate_rate"`
}

// Snapshot is the serializable export of the detector index.
type Snapshot struct {
	ExactHashes      []string            `json:"exactHashes"`
	PerceptualHashes map[string][]string `json:"perceptualHashes"`
}

// Detector tracks exact and perceptual hashes for one scraping session.
// Safe for concurrent use; every check-and-add runs in one critical section
// so two goroutines can never both claim the same payload as unique.
type Detector struct {
	mu         sync.Mutex
	exact      map[string]struct{}
	perceptual map[string][]string
	duplicates int64
	checked    int64

	enablePerceptual bool
	threshold        int
	logger           *zap.Logger
}

// New creates an empty Detector. The caller owns its lifetime; state is
// cleared only by Clear or replaced by Import.
func New(cfg Config, logger *zap.Logger) *Detector {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &Detector{
		exact:            make(map[string]struct{}),
		perceptual:       make(map[string][]string),
		enablePerceptual: cfg.Perceptual,
		threshold:        threshold,
		logger:           logger,
	}
}

// CheckAndAdd reports whether the hashes identify an already-seen payload.
// A duplicate is not added; a unique payload is recorded before returning.
// perceptualHash may be empty when the caller has no perceptual digest.
func (d *Detector) CheckAndAdd(exactHash, perceptualHash string) bool {
	return d.CheckAndAddWithThreshold(exactHash, perceptualHash, d.threshold)
}

// CheckAndAddWithThreshold is CheckAndAdd with a per-call Hamming distance
// cutoff for perceptual matching.
func (d *Detector) CheckAndAddWithThreshold(exactHash, perceptualHash string, threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checked++

	if _, seen := d.exact[exactHash]; seen {
		d.duplicates++
		telemetry.ObserveDedupCheck("exact")
		if d.logger != nil {
			d.logger.Debug("exact duplicate", zap.String("hash", shortHash(exactHash)))
		}
		return true
	}

	if d.enablePerceptual && perceptualHash != "" {
		for existing := range d.perceptual {
			dist, comparable := hammingDistance(perceptualHash, existing)
			if comparable && dist <= threshold {
				d.duplicates++
				telemetry.ObserveDedupCheck("perceptual")
				if d.logger != nil {
					d.logger.Debug("near-duplicate image",
						zap.String("hash", shortHash(exactHash)),
						zap.String("matched", shortHash(existing)),
						zap.Int("distance", dist))
				}
				return true
			}
		}
	}

	d.addLocked(exactHash, perceptualHash)
	telemetry.ObserveDedupCheck("unique")
	return false
}

// Add records the hashes without a duplicate check.
func (d *Detector) Add(exactHash, perceptualHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(exactHash, perceptualHash)
}

// Remove deletes an exact hash and prunes it from any perceptual bucket.
// It reports whether the hash was present.
func (d *Detector) Remove(exactHash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.exact[exactHash]; !ok {
		return false
	}
	delete(d.exact, exactHash)
	for phash, members := range d.perceptual {
		kept := members[:0]
		for _, h := range members {
			if h != exactHash {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(d.perceptual, phash)
		} else {
			d.perceptual[phash] = kept
		}
	}
	return true
}

// Clear drops every tracked hash. The counters survive; they describe the
// session, not the index.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exact = make(map[string]struct{})
	d.perceptual = make(map[string][]string)
}

// Statistics returns a snapshot of the detector counters.
func (d *Detector) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Statistics{
		UniqueHashes:      len(d.exact),
		PerceptualBuckets: len(d.perceptual),
		DuplicateCount:    d.duplicates,
		TotalChecked:      d.checked,
	}
	if d.checked > 0 {
		s.DuplicateRate = float64(d.duplicates) / float64(d.checked)
	}
	return s
}

// Export serializes the index so a detector can survive a process restart
// within the same logical scrape job.
func (d *Detector) Export() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{
		ExactHashes:      make([]string, 0, len(d.exact)),
		PerceptualHashes: make(map[string][]string, len(d.perceptual)),
	}
	for h := range d.exact {
		snap.ExactHashes = append(snap.ExactHashes, h)
	}
	for phash, members := range d.perceptual {
		snap.PerceptualHashes[phash] = append([]string(nil), members...)
	}
	return snap
}

// Import replaces the index with a previously exported snapshot.
func (d *Detector) Import(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exact = make(map[string]struct{}, len(snap.ExactHashes))
	for _, h := range snap.ExactHashes {
		d.exact[h] = struct{}{}
	}
	d.perceptual = make(map[string][]string, len(snap.PerceptualHashes))
	for phash, members := range snap.PerceptualHashes {
		d.perceptual[phash] = append([]string(nil), members...)
	}
	if d.logger != nil {
		d.logger.Info("imported detector snapshot",
			zap.Int("exact_hashes", len(d.exact)),
			zap.Int("perceptual_buckets", len(d.perceptual)))
	}
}

// addLocked must be called with d.mu held.
func (d *Detector) addLocked(exactHash, perceptualHash string) {
	d.exact[exactHash] = struct{}{}
	if d.enablePerceptual && perceptualHash != "" {
		d.perceptual[perceptualHash] = append(d.perceptual[perceptualHash], exactHash)
	}
}

// hammingDistance counts differing bits between two equal-length hex
// strings. Mismatched lengths or undecodable input are reported as not
// comparable and never match.
func hammingDistance(a, b string) (int, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	dist := 0
	// Walk in 16-hex-digit chunks so hashes longer than 64 bits still
	// compare correctly.
	for start := 0; start < len(a); start += 16 {
		end := start + 16
		if end > len(a) {
			end = len(a)
		}
		x, errA := strconv.ParseUint(a[start:end], 16, 64)
		y, errB := strconv.ParseUint(b[start:end], 16, 64)
		if errA != nil || errB != nil {
			return 0, false
		}
		dist += bits.OnesCount64(x ^ y)
	}
	return dist, true
}

func shortHash(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
