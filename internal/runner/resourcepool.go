package runner

import "sync"

// resourcePool is a thread-safe free-list of pre-allocated resources,
// used by the TAP Pool and Overlay Pool where spec.md only requires
// "FIFO on the free queue but not otherwise ordered" (§5) — unlike the
// IP Pool, which needs smallest-first ordering and is therefore backed
// by a min-heap instead (see ippool.go).
type resourcePool[T comparable] struct {
	mu    sync.Mutex
	free  []T
	inUse map[T]struct{}
}

func newResourcePool[T comparable]() *resourcePool[T] {
	return &resourcePool[T]{inUse: make(map[T]struct{})}
}

// fill adds items to the free list, skipping any already in use.
func (p *resourcePool[T]) fill(items []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		if _, used := p.inUse[item]; !used {
			p.free = append(p.free, item)
		}
	}
}

// acquire pops the oldest item from the front of the free list.
func (p *resourcePool[T]) acquire() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) > 0 {
		item := p.free[0]
		p.free = p.free[1:]
		if _, used := p.inUse[item]; used {
			continue // stale entry from a racing fill; skip it
		}
		p.inUse[item] = struct{}{}
		return item, true
	}
	var zero T
	return zero, false
}

// release returns an item to the free list. Releasing an item not
// currently in use is a no-op (idempotent double-release).
func (p *resourcePool[T]) release(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[item]; ok {
		delete(p.inUse, item)
		p.free = append(p.free, item)
	}
}

// forceReserve marks item in-use unconditionally, without placing it on
// the free list. Used for on-demand-created items that bypass fill.
func (p *resourcePool[T]) forceReserve(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse[item] = struct{}{}
}

// drop removes item from bookkeeping entirely (neither free nor in-use).
// Used when an in-use item is discarded rather than returned (e.g. a
// single-use overlay deleted on release).
func (p *resourcePool[T]) drop(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, item)
}

func (p *resourcePool[T]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *resourcePool[T]) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// drainFree empties the free list and returns its former contents, for
// fire-and-forget shutdown cleanup. In-use entries are left untouched.
func (p *resourcePool[T]) drainFree() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.free
	p.free = nil
	return items
}

// replaceAll discards the current free list and in-use set, installing
// fresh bookkeeping. Used by init() to fully replace prior pool state —
// double-init is safe but discards the old queue, per spec.md §5.
func (p *resourcePool[T]) replaceAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
	p.inUse = make(map[T]struct{})
}
