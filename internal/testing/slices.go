package testing

// DirectPairs returns one user pair per direct chat between owner and each peer,
// e.g. 10, [11 12] -> [[10 11] [10 12]]
func DirectPairs(owner int64, peers ...int64) [][2]int64 {
	pairs := make([][2]int64, 0, len(peers))
	for _, peer := range peers {
		pairs = append(pairs, [2]int64{owner, peer})
	}
	return pairs
}

// Reverse returns a reversed copy of s
func Reverse[T any](s []T) []T {
	out := make([]T, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
