package dedup

// GroupBatch groups exact repeats within a batch of hashes, mapping each
// first-seen hash to its subsequent occurrences. Hashes appearing once are
// omitted. Pure function; no detector state is touched.
func GroupBatch(hashes []string) map[string][]string {
	groups := make(map[string][]string)
	seen := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			groups[h] = append(groups[h], h)
			continue
		}
		seen[h] = struct{}{}
	}
	return groups
}
