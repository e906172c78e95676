package core

// CloneMap returns a shallow copy of m. Nil input yields nil so callers can
// pass the result through without extra checks.
func CloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
