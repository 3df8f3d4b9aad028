package fn

// FilterMap applies f and keeps results where ok is true.
func FilterMap[T, U any](items []T, f func(T) (U, bool)) []U {
	var out []U
	for _, v := range items {
		if u, ok := f(v); ok {
			out = append(out, u)
		}
	}
	return out
}

// Chunk splits items into consecutive slices of at most n elements.
func Chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+n-1)/n)
	for i := 0; i < len(items); i += n {
		out = append(out, items[i:min(i+n, len(items))])
	}
	return out
}
