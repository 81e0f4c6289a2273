package lci

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// backlog holds runtime-internal posts the device refused. Entries replay in
// order; an entry stays at the head until it stops reporting ErrRetry.
type backlog struct {
	mu       sync.Mutex
	replayMu sync.Mutex
	q        *queue.Queue
	n        atomic.Int64
}

func newBacklog() *backlog {
	return &backlog{q: queue.New()}
}

func (b *backlog) push(fn func() error) {
	b.mu.Lock()
	b.q.Add(fn)
	b.n.Add(1)
	b.mu.Unlock()
}

func (b *backlog) len() int {
	return int(b.n.Load())
}

// submit runs fn unless earlier entries are waiting, queueing it on retry.
func (b *backlog) submit(fn func() error) (queued bool, err error) {
	if b.len() == 0 {
		err := fn()
		if err == nil || !IsRetry(err) {
			return false, err
		}
	}
	b.push(fn)
	return true, nil
}

// replay runs queued entries until one asks to retry. Concurrent callers skip
// the replay already in progress.
func (b *backlog) replay() (int, error) {
	if b.len() == 0 || !b.replayMu.TryLock() {
		return 0, nil
	}
	defer b.replayMu.Unlock()
	done := 0
	for {
		b.mu.Lock()
		if b.q.Length() == 0 {
			b.mu.Unlock()
			return done, nil
		}
		fn := b.q.Peek().(func() error)
		b.mu.Unlock()

		err := fn()
		if err != nil && IsRetry(err) {
			return done, nil
		}
		b.mu.Lock()
		b.q.Remove()
		b.n.Add(-1)
		b.mu.Unlock()
		done++
		if err != nil {
			return done, err
		}
	}
}
