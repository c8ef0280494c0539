package layout

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Fingerprint returns a stable, order-independent fingerprint of an ID1
// allowlist. Downstream consumers compare fingerprints to decide whether a
// background scan filter needs rebuilding; only stability matters, not the
// exact byte output.
func Fingerprint(id1s []string) string {
	sorted := make([]string, len(id1s))
	for i, id := range id1s {
		sorted[i] = strings.ToLower(id)
	}
	sort.Strings(sorted)

	h := fnv.New64a()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
