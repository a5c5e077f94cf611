// Package match resolves recognized speech to registered commands using a
// tiered strategy: exact lookup, learned-cache lookup, then fuzzy
// similarity over the whole vocabulary.
package match

// Distance returns the Levenshtein edit distance between two strings,
// counted in runes.
func Distance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}

			deletion := prev[j] + 1
			insertion := curr[j-1] + 1
			substitution := prev[j-1] + cost

			min := deletion
			if insertion < min {
				min = insertion
			}
			if substitution < min {
				min = substitution
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// Similarity returns the normalized similarity 1 - distance/max(len),
// in [0, 1]. Two empty strings are identical.
func Similarity(a, b string) float64 {
	la := len([]rune(a))
	lb := len([]rune(b))

	if la == 0 && lb == 0 {
		return 1.0
	}

	max := la
	if lb > max {
		max = lb
	}

	return 1.0 - float64(Distance(a, b))/float64(max)
}
