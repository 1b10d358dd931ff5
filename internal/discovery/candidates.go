package discovery

import (
	"github.com/ternarybob/formpilot/internal/common"
)

// NormalizeCandidates turns raw agent candidates into the visit order: initialURL first,
// then each candidate resolved against base, fragment-stripped and de-duplicated, capped
// at max entries. Unresolvable or non-http candidates are dropped.
func NormalizeCandidates(initialURL, base string, raw []string, max int) []string {
	out := []string{initialURL}
	seen := []string{initialURL, base}

	for _, candidate := range raw {
		if max > 0 && len(out) >= max {
			break
		}
		if candidate == "" {
			continue
		}

		resolved, err := common.ResolveURL(base, candidate)
		if err != nil {
			continue
		}

		duplicate := false
		for _, s := range seen {
			if common.SameURL(s, resolved) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		seen = append(seen, resolved)
		out = append(out, resolved)
	}

	return out
}
