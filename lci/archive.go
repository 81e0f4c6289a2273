package lci

import (
	"fmt"
	"sync"
)

// maxArchiveKeys keeps keys within the 31 bits available in immediate data.
const maxArchiveKeys = 1<<31 - 1

// archive maps small integer keys to in-flight operations so they can be named
// in packet headers and immediate data. Key 0 is never issued.
type archive struct {
	mu    sync.Mutex
	slots []*Operation
	free  []uint32
}

func newArchive(capacity int) (*archive, error) {
	if capacity <= 0 || capacity > maxArchiveKeys {
		return nil, fmt.Errorf("%w: archive capacity %d", ErrInvalidArgument, capacity)
	}
	a := &archive{
		slots: make([]*Operation, capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity; i > 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	return a, nil
}

func (a *archive) put(op *Operation) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return 0, ErrArchiveFull
	}
	key := a.free[n-1]
	a.free = a.free[:n-1]
	a.slots[key-1] = op
	return key, nil
}

func (a *archive) get(key uint32) (*Operation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key == 0 || int(key) > len(a.slots) {
		return nil, false
	}
	op := a.slots[key-1]
	return op, op != nil
}

func (a *archive) take(key uint32) (*Operation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key == 0 || int(key) > len(a.slots) {
		return nil, false
	}
	op := a.slots[key-1]
	if op == nil {
		return nil, false
	}
	a.slots[key-1] = nil
	a.free = append(a.free, key)
	return op, true
}

func (a *archive) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
