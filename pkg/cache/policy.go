package cache

import "container/list"

// policy orders the entries of one tier for eviction. Methods are called
// with the tier lock held.
type policy interface {
	add(e *entry)
	access(e *entry)

	// remove forgets e. evicted distinguishes capacity evictions, which
	// adaptive policies remember, from invalidations.
	remove(e *entry, evicted bool)

	// victim returns the preferred eviction candidate for which skip is
	// false, or nil.
	victim(skip func(*entry) bool) *entry

	setCapacity(entries int)
}

func newPolicy(kind Eviction, capacity int) policy {
	switch kind {
	case LFU:
		return newLFU()
	case Adaptive:
		return newAdaptive(capacity)
	default:
		return newLRU()
	}
}

// lru evicts the least recently used entry. Front is most recent.
type lru struct {
	order *list.List
	elems map[uint64]*list.Element
}

func newLRU() *lru {
	return &lru{order: list.New(), elems: make(map[uint64]*list.Element)}
}

func (p *lru) add(e *entry) {
	if el, ok := p.elems[e.key]; ok {
		el.Value = e
		p.order.MoveToFront(el)
		return
	}
	p.elems[e.key] = p.order.PushFront(e)
}

func (p *lru) access(e *entry) {
	if el, ok := p.elems[e.key]; ok {
		p.order.MoveToFront(el)
	}
}

func (p *lru) remove(e *entry, _ bool) {
	if el, ok := p.elems[e.key]; ok {
		p.order.Remove(el)
		delete(p.elems, e.key)
	}
}

func (p *lru) victim(skip func(*entry) bool) *entry {
	for el := p.order.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); !skip(e) {
			return e
		}
	}
	return nil
}

func (p *lru) setCapacity(int) {}

// lfu evicts the least frequently used entry, breaking ties by the oldest
// access and then the oldest insertion. Victim selection scans the tier.
type lfu struct {
	entries map[uint64]*entry
}

func newLFU() *lfu {
	return &lfu{entries: make(map[uint64]*entry)}
}

func (p *lfu) add(e *entry)            { p.entries[e.key] = e }
func (p *lfu) access(*entry)           {}
func (p *lfu) remove(e *entry, _ bool) { delete(p.entries, e.key) }
func (p *lfu) setCapacity(int)         {}

func (p *lfu) victim(skip func(*entry) bool) *entry {
	var best *entry
	for _, e := range p.entries {
		if skip(e) {
			continue
		}
		if best == nil || lfuLess(e, best) {
			best = e
		}
	}
	return best
}

func lfuLess(a, b *entry) bool {
	if a.freq != b.freq {
		return a.freq < b.freq
	}
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}
	return a.insertSeq < b.insertSeq
}
