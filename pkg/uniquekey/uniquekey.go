package uniquekey

// RemoveDuplicateKey collapses items to one entry per key.
// The last occurrence of a key wins and takes the position of the first occurrence.
// The returned keys list every key seen more than once, in order of first collision.
func RemoveDuplicateKey[T any](items []T, key func(T) string) ([]T, []string) {
	positions := make(map[string]int, len(items))
	seenTwice := make(map[string]bool)
	unique := make([]T, 0, len(items))
	var nonUnique []string

	for _, item := range items {
		k := key(item)
		if pos, ok := positions[k]; ok {
			unique[pos] = item
			if !seenTwice[k] {
				seenTwice[k] = true
				nonUnique = append(nonUnique, k)
			}
			continue
		}
		positions[k] = len(unique)
		unique = append(unique, item)
	}

	if nonUnique == nil {
		nonUnique = []string{}
	}
	return unique, nonUnique
}
