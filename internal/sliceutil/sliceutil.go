package sliceutil

func Filter[T any](slice []T, fn func(T) bool) []T {
	var filtered []T
	for _, v := range slice {
		if fn(v) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

func Map[T any, R any](slice []T, fn func(T) R) []R {
	mapped := make([]R, len(slice))
	for i, v := range slice {
		mapped[i] = fn(v)
	}
	return mapped
}

// UniqueFunc returns the elements of slice whose key has not been seen
// before, preserving order.
func UniqueFunc[T any, K comparable](slice []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(slice))
	unique := make([]T, 0, len(slice))
	for _, v := range slice {
		k := key(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, v)
	}
	return unique
}
