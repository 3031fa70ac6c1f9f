package registry

import "strings"

// nearExact caps the score of any pair that is not byte-identical, so an
// exact match always outranks every fuzzy one.
const nearExact = 0.99

// Similarity scores two normalized keys in [0,1]. Identical keys score 1.0.
// Otherwise the score is the better of a token-set Dice coefficient and a
// normalized edit-distance ratio, capped just below exact. The metric is
// pure and deterministic; reviews must be reproducible.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}
	score := diceTokens(a, b)
	if lev := levenshteinRatio(a, b); lev > score {
		score = lev
	}
	if score > nearExact {
		score = nearExact
	}
	return score
}

// diceTokens computes the Sørensen–Dice coefficient over whitespace tokens.
func diceTokens(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]int, len(ta))
	for _, t := range ta {
		set[t]++
	}
	shared := 0
	for _, t := range tb {
		if set[t] > 0 {
			set[t]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

// levenshteinRatio is 1 - d/maxLen where d is the Levenshtein distance.
func levenshteinRatio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes edit distance with the two-row dynamic program.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
