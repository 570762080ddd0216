package objcache

// chunk splits s into consecutive sub-slices of at most n elements, matching
// slices.Chunk (Go 1.23) for toolchains that predate it. Each sub-slice has
// its capacity clipped to its length. n must be positive.
func chunk[S ~[]E, E any](s S, n int) []S {
	if n < 1 {
		panic("cannot be less than 1")
	}
	out := make([]S, 0, (len(s)+n-1)/n)
	for i := 0; i < len(s); i += n {
		end := min(n, len(s[i:]))
		out = append(out, s[i:i+end:i+end])
	}
	return out
}
