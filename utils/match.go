package utils

// MatchWildcard reports whether value matches pattern, where '*' matches any
// run of characters (including none) and every other byte matches literally.
// The matcher is a bounded two-pointer scan, never a compiled regex, so
// patterns with many stars cannot trigger catastrophic backtracking.
func MatchWildcard(value, pattern string) bool {
	vIdx, pIdx := 0, 0
	starIdx, backtrack := -1, 0

	for vIdx < len(value) {
		switch {
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			// remember the star; try matching it against the empty run first
			starIdx = pIdx
			backtrack = vIdx
			pIdx++
		case pIdx < len(pattern) && pattern[pIdx] == value[vIdx]:
			vIdx++
			pIdx++
		case starIdx >= 0:
			// widen the most recent star by one character and retry
			backtrack++
			vIdx = backtrack
			pIdx = starIdx + 1
		default:
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}
