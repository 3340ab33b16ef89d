package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// l1Entry is a single in-process cache slot. The access counter lives in
// the same struct as the payload so eviction never has to reconcile two
// maps — this is the fix for the source's separate, unbounded
// access-count dict.
type l1Entry struct {
	data        []byte
	admittedAt  time.Time
	accessCount uint64
}

// L1 is a bounded, per-process cache over PNG bytes. Admission past maxItems
// evicts the least-accessed entry (approximate LFU), ties broken by oldest
// admittedAt. Entries are also subject to maxAge: once an entry has sat
// longer than maxAge it is treated as stale and no longer served, even
// though it hasn't been evicted by the LFU policy.
type L1 struct {
	mu       sync.Mutex
	items    map[string]*l1Entry
	maxItems int
	maxAge   time.Duration
}

// NewL1 creates an L1 cache holding at most maxItems entries, each valid
// for maxAge after admission.
func NewL1(maxItems int, maxAge time.Duration) *L1 {
	return &L1{
		items:    make(map[string]*l1Entry),
		maxItems: maxItems,
		maxAge:   maxAge,
	}
}

// Get returns the cached bytes for key if present and not older than
// maxAge, incrementing its access count. A stale entry (age >= maxAge) is
// reported as a miss without being evicted; Admit will refresh it.
func (l *L1) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.items[key]
	if !ok {
		return nil, false
	}
	if l.maxAge > 0 && time.Since(e.admittedAt) >= l.maxAge {
		return nil, false
	}
	e.accessCount++
	return e.data, true
}

// Admit inserts or refreshes key with data, evicting the least-accessed
// entry if the cache is over capacity after insertion.
func (l *L1) Admit(key string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[key] = &l1Entry{data: data, admittedAt: time.Now(), accessCount: 1}

	if l.maxItems > 0 && len(l.items) > l.maxItems {
		l.evictOne()
	}
}

// Delete removes key from L1 if present.
func (l *L1) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
}

// DeletePrefix removes every entry whose key has the given prefix, returning
// the count removed.
func (l *L1) DeletePrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k := range l.items {
		if strings.HasPrefix(k, prefix) {
			delete(l.items, k)
			removed++
		}
	}
	return removed
}

// Count returns the number of entries currently held.
func (l *L1) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// HotKeys returns up to n keys with the highest access counts, descending.
func (l *L1) HotKeys(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	type keyCount struct {
		key   string
		count uint64
	}
	all := make([]keyCount, 0, len(l.items))
	for k, e := range l.items {
		all = append(all, keyCount{k, e.accessCount})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })

	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].key
	}
	return out
}

// evictOne removes the least-accessed entry; ties go to the oldest
// admittedAt. Caller must hold l.mu.
func (l *L1) evictOne() {
	var victim string
	var victimEntry *l1Entry

	for k, e := range l.items {
		if victimEntry == nil ||
			e.accessCount < victimEntry.accessCount ||
			(e.accessCount == victimEntry.accessCount && e.admittedAt.Before(victimEntry.admittedAt)) {
			victim = k
			victimEntry = e
		}
	}
	if victimEntry != nil {
		delete(l.items, victim)
	}
}
