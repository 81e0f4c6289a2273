package lci

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// hashSlotWidth is the number of entries per row; a row plus its link stays
// within a couple of cache lines.
const hashSlotWidth = 3

type hashEntry struct {
	used  bool
	role  Role
	key   Key
	seq   uint64
	value any
}

type hashRow struct {
	entries [hashSlotWidth]hashEntry
	next    *hashRow
}

type hashBucket struct {
	mu       sync.Mutex
	head     hashRow
	overflow int
	seq      uint64
	_        cpu.CacheLinePad
}

type hashTable struct {
	buckets  []hashBucket
	mask     uint64
	policy   DuplicatePolicy
	maxChain int
	count    atomic.Int64
}

func newHashTable(buckets int, policy DuplicatePolicy, maxChain int) *hashTable {
	return &hashTable{
		buckets:  make([]hashBucket, buckets),
		mask:     uint64(buckets - 1),
		policy:   policy,
		maxChain: maxChain,
	}
}

func (t *hashTable) bucket(key Key) *hashBucket {
	return &t.buckets[hashKey(key)&t.mask]
}

func (t *hashTable) Insert(key Key, value any, role Role) (any, bool, error) {
	b := t.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		match    *hashEntry
		empty    *hashEntry
		sameRole bool
		tail     = &b.head
	)
	for row := &b.head; row != nil; row = row.next {
		tail = row
		for i := range row.entries {
			e := &row.entries[i]
			if !e.used {
				if empty == nil {
					empty = e
				}
				continue
			}
			if e.key != key {
				continue
			}
			if e.role == role {
				sameRole = true
				continue
			}
			if match == nil || e.seq < match.seq {
				match = e
			}
		}
	}

	if match != nil {
		other := match.value
		*match = hashEntry{}
		t.count.Add(-1)
		b.prune()
		return other, true, nil
	}
	if sameRole && t.policy == DuplicateReject {
		return nil, false, duplicateError(key)
	}
	if empty == nil {
		if t.maxChain > 0 && b.overflow >= t.maxChain {
			return nil, false, ErrTableFull
		}
		tail.next = &hashRow{}
		b.overflow++
		empty = &tail.next.entries[0]
	}
	b.seq++
	*empty = hashEntry{used: true, role: role, key: key, seq: b.seq, value: value}
	t.count.Add(1)
	return nil, false, nil
}

func (t *hashTable) Remove(key Key, value any) bool {
	b := t.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for row := &b.head; row != nil; row = row.next {
		for i := range row.entries {
			e := &row.entries[i]
			if e.used && e.key == key && e.value == value {
				*e = hashEntry{}
				t.count.Add(-1)
				b.prune()
				return true
			}
		}
	}
	return false
}

func (t *hashTable) Len() int {
	return int(t.count.Load())
}

// prune unlinks overflow rows that no longer hold entries. Caller holds b.mu.
func (b *hashBucket) prune() {
	prev := &b.head
	for row := b.head.next; row != nil; row = prev.next {
		if row.empty() {
			prev.next = row.next
			b.overflow--
			continue
		}
		prev = row
	}
}

func (r *hashRow) empty() bool {
	for i := range r.entries {
		if r.entries[i].used {
			return false
		}
	}
	return true
}
