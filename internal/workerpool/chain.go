package workerpool

import "sync"

// chain is an intrusive doubly-linked list of *WDE guarded by a single
// lock cell. It gives O(1) push-front, pop-front, and arbitrary-element
// removal, which is what spec.md §4.2/§9 call for: the console handler
// must be able to pull a specific WDE out of the assigned chain without
// walking the whole list under lock for longer than necessary.
//
// container/list is not used here: its Element type is opaque to callers
// holding only a *WDE, so removing a specific WDE from a list.List would
// require a separate id->*list.Element index anyway, which is no simpler
// than the intrusive pointers the WDE already carries for this purpose.
type chain struct {
	mu   sync.Mutex
	head *WDE
}

// pushFront links w at the head of the chain. w must not already be linked
// into this or any other chain.
func (c *chain) pushFront(w *WDE) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.prev = nil
	w.next = c.head
	if c.head != nil {
		c.head.prev = w
	}
	c.head = w
}

// popFront unlinks and returns the current head, or nil if the chain is
// empty.
func (c *chain) popFront() *WDE {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.head
	if w == nil {
		return nil
	}
	c.head = w.next
	if c.head != nil {
		c.head.prev = nil
	}
	w.prev, w.next = nil, nil
	return w
}

// remove unlinks w from the chain. w must currently be a member of this
// chain; the caller is responsible for that invariant (the pool always
// calls remove only on chains it has just found w in).
func (c *chain) remove(w *WDE) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.prev != nil {
		w.prev.next = w.next
	} else if c.head == w {
		c.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	}
	w.prev, w.next = nil, nil
}

// forEach calls f for every member, head to tail, stopping early if f
// returns false. Held under the chain lock for the duration of the walk,
// matching spec.md §5's "minimal critical section" rule for short,
// non-blocking reads (f must not block or acquire other chain locks).
func (c *chain) forEach(f func(*WDE) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for w := c.head; w != nil; w = w.next {
		if !f(w) {
			return
		}
	}
}

// len returns the current chain length. O(n); used only by tests and the
// pool-accounting invariant check, never on a hot path.
func (c *chain) len() int {
	n := 0
	c.forEach(func(*WDE) bool { n++; return true })
	return n
}
