package cmap

// Range calls fn for each item until fn returns false.
// Each shard is read-locked while it is visited, so fn must not write to
// the map.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys returns all keys.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Count())
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns all values.
func (m *Map[V]) Values() []V {
	values := make([]V, 0, m.Count())
	m.Range(func(_ string, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// Filter returns the values for which keep returns true.
func (m *Map[V]) Filter(keep func(key string, value V) bool) []V {
	var out []V
	m.Range(func(k string, v V) bool {
		if keep(k, v) {
			out = append(out, v)
		}
		return true
	})
	return out
}
