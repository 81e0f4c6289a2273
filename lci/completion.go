package lci

import (
	"fmt"
	"sync/atomic"
)

// OpKind identifies the operation a Request reports on.
type OpKind uint8

const (
	OpKindSend OpKind = iota + 1
	OpKindReceive
	OpKindPut
	// OpKindRemotePut reports a put-with-signal landing on the target side.
	OpKindRemotePut
)

func (k OpKind) String() string {
	switch k {
	case OpKindSend:
		return "send"
	case OpKindReceive:
		return "receive"
	case OpKindPut:
		return "put"
	case OpKindRemotePut:
		return "remote_put"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Request is the completion record delivered to a Completion.
type Request struct {
	Op     OpKind
	Status error
	// Rank is the peer rank: the source for receives, the target for sends.
	Rank int
	Tag  Tag
	// Length is the number of bytes transferred.
	Length int
	// Data views the received bytes in the caller's buffer.
	Data        []byte
	UserContext any
}

// Completion is the sink an operation signals exactly once when it finishes.
// Signal must not block and may be called from any goroutine, including those
// driving Progress.
type Completion interface {
	Signal(Request) error
}

// tracked completions count the operations that still reference them.
type tracked interface {
	retain() error
	release()
}

const trackerClosed = int64(1) << 62

// refTracker counts outstanding operations and refuses Close while any remain.
type refTracker struct {
	state atomic.Int64
}

func (r *refTracker) retain() error {
	for {
		s := r.state.Load()
		if s&trackerClosed != 0 {
			return ErrClosed
		}
		if r.state.CompareAndSwap(s, s+1) {
			return nil
		}
	}
}

func (r *refTracker) release() {
	r.state.Add(-1)
}

func (r *refTracker) isClosed() bool {
	return r.state.Load()&trackerClosed != 0
}

// Outstanding returns the number of operations still referencing the object.
func (r *refTracker) Outstanding() int {
	return int(r.state.Load() &^ trackerClosed)
}

// Close destroys the completion object. It returns ErrCompletionBusy while
// operations still reference it; the object then stays usable.
func (r *refTracker) Close() error {
	if r.state.CompareAndSwap(0, trackerClosed) {
		return nil
	}
	if r.isClosed() {
		return nil
	}
	return fmt.Errorf("%w (%d outstanding)", ErrCompletionBusy, r.Outstanding())
}

func retainCompletion(c Completion) error {
	if t, ok := c.(tracked); ok {
		return t.retain()
	}
	return nil
}

func releaseCompletion(c Completion) {
	if t, ok := c.(tracked); ok {
		t.release()
	}
}

// signalCompletion delivers req and drops the operation's reference.
func signalCompletion(c Completion, req Request) error {
	if c == nil {
		return nil
	}
	err := c.Signal(req)
	releaseCompletion(c)
	return err
}

// Counter counts completions.
type Counter struct {
	refTracker
	n atomic.Int64
}

// NewCounter returns a zeroed counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Signal(Request) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.n.Add(1)
	return nil
}

// Get returns the number of signals observed since the last Set.
func (c *Counter) Get() int64 {
	return c.n.Load()
}

// Set resets the count.
func (c *Counter) Set(v int64) {
	c.n.Store(v)
}

// HandlerFunc processes a completion inline.
type HandlerFunc func(Request)

// Handler invokes a callback for every completion, active-message style. The
// callback runs on the signaling goroutine and must not block.
type Handler struct {
	refTracker
	fn HandlerFunc
}

// NewHandler wraps fn as a completion object.
func NewHandler(fn HandlerFunc) *Handler {
	return &Handler{fn: fn}
}

func (h *Handler) Signal(req Request) error {
	if h.isClosed() {
		return ErrClosed
	}
	if h.fn != nil {
		h.fn(req)
	}
	return nil
}
