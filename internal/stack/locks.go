package stack

import "sync"

// lineageLocks serializes work per (instrument, strategy) order lineage.
// Fills, spawns and reconciliation touching the same lineage never
// interleave; different lineages may run in parallel.
type lineageLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLineageLocks() *lineageLocks {
	return &lineageLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the lineage lock is held and returns the release
// function. Locks are never removed; the key space is bounded by the traded
// instrument and strategy universe.
func (l *lineageLocks) acquire(instrument, strategy string) func() {
	key := instrument + "|" + strategy
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
