package assess

import "sync"

// SchemeLocks serializes capacity and waitlist-position updates per
// (tenant, scheme). Two concurrent approvals for the last open slot must
// not both succeed, and position assignment must stay dense, so every
// admit/enqueue/promote section runs under the scheme's exclusive lock.
type SchemeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSchemeLocks creates an empty lock set.
func NewSchemeLocks() *SchemeLocks {
	return &SchemeLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the exclusive lock for a scheme and returns its unlock
// function. Locks are created on first use and never removed; the set is
// bounded by the number of schemes a process touches.
func (l *SchemeLocks) Lock(tenantID, schemeID string) func() {
	key := tenantID + ":" + schemeID

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
