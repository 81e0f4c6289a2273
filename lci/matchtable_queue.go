package lci

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/cpu"
)

// keyQueues holds the pending deposits of one key, one FIFO per role. At most
// one of the two is non-empty at any time.
type keyQueues struct {
	pending [2]*queue.Queue
}

type queueShard struct {
	mu   sync.Mutex
	keys map[Key]*keyQueues
	_    cpu.CacheLinePad
}

type queueTable struct {
	shards []queueShard
	mask   uint64
	policy DuplicatePolicy
	count  atomic.Int64
}

func newQueueTable(shards int, policy DuplicatePolicy) *queueTable {
	t := &queueTable{
		shards: make([]queueShard, shards),
		mask:   uint64(shards - 1),
		policy: policy,
	}
	for i := range t.shards {
		t.shards[i].keys = make(map[Key]*keyQueues)
	}
	return t
}

func (t *queueTable) shard(key Key) *queueShard {
	return &t.shards[hashKey(key)&t.mask]
}

func (t *queueTable) Insert(key Key, value any, role Role) (any, bool, error) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	kq := s.keys[key]
	if kq != nil {
		if q := kq.pending[role.other()]; q != nil && q.Length() > 0 {
			other := q.Remove()
			t.count.Add(-1)
			s.gc(key, kq)
			return other, true, nil
		}
		if q := kq.pending[role]; q != nil && q.Length() > 0 && t.policy == DuplicateReject {
			return nil, false, duplicateError(key)
		}
	} else {
		kq = &keyQueues{}
		s.keys[key] = kq
	}
	if kq.pending[role] == nil {
		kq.pending[role] = queue.New()
	}
	kq.pending[role].Add(value)
	t.count.Add(1)
	return nil, false, nil
}

func (t *queueTable) Remove(key Key, value any) bool {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	kq := s.keys[key]
	if kq == nil {
		return false
	}
	for _, q := range kq.pending {
		if q != nil && removeFromQueue(q, value) {
			t.count.Add(-1)
			s.gc(key, kq)
			return true
		}
	}
	return false
}

func (t *queueTable) Len() int {
	return int(t.count.Load())
}

// gc drops the per-key state once both FIFOs drained. Caller holds s.mu.
func (s *queueShard) gc(key Key, kq *keyQueues) {
	for _, q := range kq.pending {
		if q != nil && q.Length() > 0 {
			return
		}
	}
	delete(s.keys, key)
}

// removeFromQueue withdraws value from q, keeping the order of the others.
func removeFromQueue(q *queue.Queue, value any) bool {
	n := q.Length()
	found := false
	for i := 0; i < n; i++ {
		v := q.Remove()
		if !found && v == value {
			found = true
			continue
		}
		q.Add(v)
	}
	return found
}
