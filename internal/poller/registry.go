package poller

// Registry maps keys to ordered waiter lists and remembers key insertion
// order so batches pick the oldest keys first. It is not safe for concurrent
// use; the owner guards it.
type Registry[E any] struct {
	keys  []string
	lists map[string][]E
	same  func(a, b E) bool
}

// NewRegistry creates a registry. same reports whether two entries are the
// same waiter; a waiter is stored at most once per key.
func NewRegistry[E any](same func(a, b E) bool) *Registry[E] {
	return &Registry[E]{
		lists: make(map[string][]E),
		same:  same,
	}
}

// Add appends e to key's list. It reports false when e was already listed.
func (r *Registry[E]) Add(key string, e E) bool {
	list, ok := r.lists[key]
	if !ok {
		r.keys = append(r.keys, key)
	}
	for _, existing := range list {
		if r.same(existing, e) {
			return false
		}
	}
	r.lists[key] = append(list, e)
	return true
}

// Keys returns up to limit keys in insertion order. A non-positive limit
// returns all keys.
func (r *Registry[E]) Keys(limit int) []string {
	n := len(r.keys)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	copy(out, r.keys[:n])
	return out
}

// Take removes key and returns its list in registration order.
func (r *Registry[E]) Take(key string) []E {
	list, ok := r.lists[key]
	if !ok {
		return nil
	}
	delete(r.lists, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	return list
}

// Has reports whether key has pending waiters.
func (r *Registry[E]) Has(key string) bool {
	_, ok := r.lists[key]
	return ok
}

// Len returns the number of keys.
func (r *Registry[E]) Len() int {
	return len(r.keys)
}
