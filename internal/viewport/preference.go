// Package viewport holds the interactive pan and zoom state of rendered diagrams.
package viewport

import (
	"sort"
	"sync"
)

// Preference is the scroll-to-zoom switch shared by every diagram in a page.
// Subscribers are notified synchronously, in subscription order, whenever
// the value changes.
type Preference struct {
	mu      sync.Mutex
	enabled bool
	next    uint64
	subs    map[uint64]func(bool)
}

// NewPreference returns a preference with scroll-to-zoom enabled.
func NewPreference() *Preference {
	return &Preference{enabled: true, subs: make(map[uint64]func(bool))}
}

// Enabled reports whether wheel events zoom diagrams.
func (p *Preference) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Set changes the value and notifies subscribers if it changed.
func (p *Preference) Set(enabled bool) {
	p.mu.Lock()
	if p.enabled == enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = enabled
	subs := p.snapshotLocked()
	p.mu.Unlock()

	for _, fn := range subs {
		fn(enabled)
	}
}

// Toggle flips the value and returns the new one.
func (p *Preference) Toggle() bool {
	p.mu.Lock()
	p.enabled = !p.enabled
	enabled := p.enabled
	subs := p.snapshotLocked()
	p.mu.Unlock()

	for _, fn := range subs {
		fn(enabled)
	}
	return enabled
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (p *Preference) Subscribe(fn func(bool)) (unsubscribe func()) {
	p.mu.Lock()
	p.next++
	id := p.next
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions.
func (p *Preference) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Preference) snapshotLocked() []func(bool) {
	ids := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	fns := make([]func(bool), len(ids))
	for i, id := range ids {
		fns[i] = p.subs[id]
	}
	return fns
}
