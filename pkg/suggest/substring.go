package suggest

import (
	"sort"
	"strings"
)

type candidate struct {
	substr  string
	support int
}

// commonSubstrings enumerates substrings of minLen..maxSpan characters per
// payload, counts in how many distinct payloads each appears, and keeps the
// maximal ones with support >= minSupport. At equal support the longer,
// more specific substring wins and its fragments are dropped.
func commonSubstrings(payloads []string, minLen, minSupport int) []candidate {
	const maxSpan = 64

	counts := make(map[string]int)
	for _, p := range payloads {
		seen := make(map[string]bool)
		for i := 0; i <= len(p)-minLen; i++ {
			limit := len(p)
			if i+maxSpan < limit {
				limit = i + maxSpan
			}
			for j := i + minLen; j <= limit; j++ {
				sub := p[i:j]
				if !seen[sub] {
					seen[sub] = true
					counts[sub]++
				}
			}
		}
	}

	var cands []candidate
	for sub, n := range counts {
		if n >= minSupport {
			cands = append(cands, candidate{substr: sub, support: n})
		}
	}

	// Longer first at equal support, so fragments get pruned by their
	// containing candidate.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].support != cands[j].support {
			return cands[i].support > cands[j].support
		}
		if len(cands[i].substr) != len(cands[j].substr) {
			return len(cands[i].substr) > len(cands[j].substr)
		}
		return cands[i].substr < cands[j].substr
	})

	var kept []candidate
	for _, c := range cands {
		redundant := false
		for _, k := range kept {
			if k.support >= c.support && strings.Contains(k.substr, c.substr) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, c)
		}
		if len(kept) >= 10 {
			break
		}
	}
	return kept
}
