package cache

// node is an intrusive doubly linked list element owned by a Store.
// It doubles as an element of the expiry heap when it carries a TTL.
type node[K comparable, V any] struct {
	key K
	val V

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node[K, V]
	next *node[K, V]

	insertedAt int64
	lastAccess int64

	// Absolute expiration deadline in UnixNano. Zero means "no TTL".
	exp int64

	// Position in the expiry heap, -1 when not tracked.
	hidx int
}

func (n *node[K, V]) expired(now int64) bool {
	return n.exp != 0 && now >= n.exp
}

// expiryHeap orders TTL-bearing nodes by deadline, earliest first.
// It implements container/heap.Interface.
type expiryHeap[K comparable, V any] []*node[K, V]

func (h expiryHeap[K, V]) Len() int           { return len(h) }
func (h expiryHeap[K, V]) Less(i, j int) bool { return h[i].exp < h[j].exp }

func (h expiryHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].hidx = i
	h[j].hidx = j
}

func (h *expiryHeap[K, V]) Push(x any) {
	n := x.(*node[K, V])
	n.hidx = len(*h)
	*h = append(*h, n)
}

func (h *expiryHeap[K, V]) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.hidx = -1
	*h = old[:last]
	return n
}

// peek returns the node with the earliest deadline, or nil.
func (h expiryHeap[K, V]) peek() *node[K, V] {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
