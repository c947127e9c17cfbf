// Package fuzzy implements the string matching shared by the alias
// store and the entity cache. Similarity is a normalized edit-distance
// ratio on the 0–100 scale, case-insensitive. The package is pure:
// no I/O, no shared state.
package fuzzy

import "strings"

// Normalize lower-cases and trims a phrase. All stored alias keys and
// all match inputs go through this so "Kitchen Light " and "kitchen
// light" are the same key.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Ratio returns the similarity of a and b as an integer 0–100.
// Comparison is case-insensitive. Identical strings score 100; two
// empty strings are considered identical.
//
// The score is (totalLen - editDistance) * 100 / totalLen, where the
// edit distance counts insertions and deletions as 1 and substitutions
// as 2. This matches the classic sequence-ratio definition: a
// substitution destroys one matched character pair, the same as one
// delete plus one insert.
func Ratio(a, b string) int {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))

	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}

	dist := editDistance(ra, rb)
	return (total - dist) * 100 / total
}

// Best returns the candidate with the highest Ratio against phrase,
// along with its score. When several candidates share the maximal
// score the first one in iteration order wins; callers must not rely
// on tie order. Returns ok=false for an empty candidate list.
func Best(phrase string, candidates []string) (best string, score int, ok bool) {
	score = -1
	for _, c := range candidates {
		if r := Ratio(phrase, c); r > score {
			best, score = c, r
		}
	}
	return best, score, score >= 0
}

// editDistance computes the weighted Levenshtein distance between two
// rune slices (insert/delete cost 1, substitution cost 2) using a
// two-row dynamic program.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			sub := prev[j-1]
			if a[i-1] != b[j-1] {
				sub += 2
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1

			m := sub
			if del < m {
				m = del
			}
			if ins < m {
				m = ins
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
