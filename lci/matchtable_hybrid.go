package lci

import (
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type hybridEntry struct {
	key   Key
	role  Role
	value any
}

// hybridBucket groups every key differing only in rank, so a wildcard receive
// and the exact sends it may serve share one lock and one arrival order.
type hybridBucket struct {
	mu      sync.Mutex
	entries []hybridEntry
	_       cpu.CacheLinePad
}

type hybridTable struct {
	buckets []hybridBucket
	mask    uint64
	policy  DuplicatePolicy
	count   atomic.Int64
}

func newHybridTable(buckets int, policy DuplicatePolicy) *hybridTable {
	return &hybridTable{
		buckets: make([]hybridBucket, buckets),
		mask:    uint64(buckets - 1),
		policy:  policy,
	}
}

func (t *hybridTable) bucket(key Key) *hybridBucket {
	return &t.buckets[hashKey(key.WithAnyRank())&t.mask]
}

// hybridMatches reports whether a pending entry can serve an arrival. A
// wildcard on either side matches any rank with the same endpoint and tag.
func hybridMatches(pending, arrival Key) bool {
	if pending == arrival {
		return true
	}
	if pending.WithAnyRank() != arrival.WithAnyRank() {
		return false
	}
	return pending.Wildcard() || arrival.Wildcard()
}

func (t *hybridTable) Insert(key Key, value any, role Role) (any, bool, error) {
	b := t.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	duplicate := false
	for i, e := range b.entries {
		if e.role == role {
			if e.key == key {
				duplicate = true
			}
			continue
		}
		if hybridMatches(e.key, key) {
			b.entries = slices.Delete(b.entries, i, i+1)
			t.count.Add(-1)
			if len(b.entries) == 0 {
				b.entries = nil
			}
			return e.value, true, nil
		}
	}
	if duplicate && t.policy == DuplicateReject {
		return nil, false, duplicateError(key)
	}
	b.entries = append(b.entries, hybridEntry{key: key, role: role, value: value})
	t.count.Add(1)
	return nil, false, nil
}

func (t *hybridTable) Remove(key Key, value any) bool {
	b := t.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.key == key && e.value == value {
			b.entries = slices.Delete(b.entries, i, i+1)
			t.count.Add(-1)
			return true
		}
	}
	return false
}

func (t *hybridTable) Len() int {
	return int(t.count.Load())
}
