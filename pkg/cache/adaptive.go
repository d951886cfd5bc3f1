package cache

import "container/list"

// defaultGhostCapacity bounds the ghost lists of unbounded tiers.
const defaultGhostCapacity = 1024

// adaptive is an ARC-style policy. Resident entries live in t1 (seen once)
// or t2 (seen again); b1 and b2 remember keys recently evicted from each.
// A ghost hit in b1 grows the recency target p, a ghost hit in b2 shrinks it,
// so the split between recency and frequency follows the workload.
type adaptive struct {
	c int
	p int

	t1, t2 *list.List
	b1, b2 *list.List

	// resident maps key to its element in t1 or t2.
	resident map[uint64]*list.Element
	inT2     map[uint64]bool

	// ghosts maps key to its element in b1 or b2.
	ghosts map[uint64]*list.Element
	inB2   map[uint64]bool
}

func newAdaptive(capacity int) *adaptive {
	p := &adaptive{
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		resident: make(map[uint64]*list.Element),
		inT2:     make(map[uint64]bool),
		ghosts:   make(map[uint64]*list.Element),
		inB2:     make(map[uint64]bool),
	}
	p.setCapacity(capacity)
	return p
}

func (p *adaptive) setCapacity(entries int) {
	if entries <= 0 {
		entries = defaultGhostCapacity
	}
	p.c = entries
	if p.p > p.c {
		p.p = p.c
	}
	p.trimGhosts()
}

func (p *adaptive) add(e *entry) {
	if el, ok := p.resident[e.key]; ok {
		el.Value = e
		p.access(e)
		return
	}

	if el, ok := p.ghosts[e.key]; ok {
		if p.inB2[e.key] {
			delta := max(p.b1.Len()/max(p.b2.Len(), 1), 1)
			p.p = max(p.p-delta, 0)
			p.b2.Remove(el)
		} else {
			delta := max(p.b2.Len()/max(p.b1.Len(), 1), 1)
			p.p = min(p.p+delta, p.c)
			p.b1.Remove(el)
		}
		delete(p.ghosts, e.key)
		delete(p.inB2, e.key)

		p.resident[e.key] = p.t2.PushFront(e)
		p.inT2[e.key] = true
		return
	}

	p.resident[e.key] = p.t1.PushFront(e)
}

func (p *adaptive) access(e *entry) {
	el, ok := p.resident[e.key]
	if !ok {
		return
	}
	if p.inT2[e.key] {
		p.t2.MoveToFront(el)
		return
	}
	p.t1.Remove(el)
	p.resident[e.key] = p.t2.PushFront(e)
	p.inT2[e.key] = true
}

func (p *adaptive) remove(e *entry, evicted bool) {
	el, ok := p.resident[e.key]
	if !ok {
		return
	}
	wasT2 := p.inT2[e.key]
	if wasT2 {
		p.t2.Remove(el)
	} else {
		p.t1.Remove(el)
	}
	delete(p.resident, e.key)
	delete(p.inT2, e.key)

	if !evicted {
		return
	}
	if wasT2 {
		p.ghosts[e.key] = p.b2.PushFront(e.key)
		p.inB2[e.key] = true
	} else {
		p.ghosts[e.key] = p.b1.PushFront(e.key)
	}
	p.trimGhosts()
}

func (p *adaptive) trimGhosts() {
	for p.b1.Len() > p.c {
		p.dropGhost(p.b1)
	}
	for p.b2.Len() > p.c {
		p.dropGhost(p.b2)
	}
}

func (p *adaptive) dropGhost(l *list.List) {
	el := l.Back()
	key := el.Value.(uint64)
	l.Remove(el)
	delete(p.ghosts, key)
	delete(p.inB2, key)
}

// victim prefers t1 while it exceeds the target p and falls back to the
// other list when every candidate in the preferred one is skipped.
func (p *adaptive) victim(skip func(*entry) bool) *entry {
	first, second := p.t2, p.t1
	if p.t1.Len() > 0 && (p.t1.Len() > p.p || p.t2.Len() == 0) {
		first, second = p.t1, p.t2
	}
	if e := lruVictim(first, skip); e != nil {
		return e
	}
	return lruVictim(second, skip)
}

func lruVictim(l *list.List, skip func(*entry) bool) *entry {
	for el := l.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); !skip(e) {
			return e
		}
	}
	return nil
}
