package lci

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestCounterExactlyOnce(t *testing.T) {
	const workers, per = 8, 1000
	c := NewCounter()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < per; i++ {
				if err := c.Signal(Request{Op: OpKindSend}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if got := c.Get(); got != workers*per {
		t.Fatalf("expected %d signals, got %d", workers*per, got)
	}
	c.Set(0)
	if c.Get() != 0 {
		t.Fatalf("Set did not reset counter")
	}
}

func TestQueueExactlyOnce(t *testing.T) {
	const producers, per = 4, 500
	q := NewQueue(producers * per)
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < per; i++ {
				if err := q.Signal(Request{Op: OpKindReceive, Rank: p, Length: i}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	var popped atomic.Int64
	seen := make([][]atomic.Bool, producers)
	for i := range seen {
		seen[i] = make([]atomic.Bool, per)
	}
	var consumers errgroup.Group
	done := make(chan struct{})
	for c := 0; c < 3; c++ {
		consumers.Go(func() error {
			for {
				req, ok := q.Pop()
				if !ok {
					select {
					case <-done:
						if q.Len() == 0 {
							return nil
						}
					default:
					}
					continue
				}
				if seen[req.Rank][req.Length].Swap(true) {
					return errors.New("record popped twice")
				}
				popped.Add(1)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	close(done)
	if err := consumers.Wait(); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if got := popped.Load(); got != producers*per {
		t.Fatalf("expected %d records, popped %d", producers*per, got)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestQueueFIFOAndFull(t *testing.T) {
	q := NewQueue(3)
	if q.Cap() != 4 {
		t.Fatalf("expected capacity rounded to 4, got %d", q.Cap())
	}
	for i := 0; i < 4; i++ {
		if err := q.Signal(Request{Length: i}); err != nil {
			t.Fatalf("Signal %d failed: %v", i, err)
		}
	}
	if err := q.Signal(Request{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	dst := make([]Request, 8)
	if n := q.PopMultiple(dst); n != 4 {
		t.Fatalf("expected 4 records, got %d", n)
	}
	for i := 0; i < 4; i++ {
		if dst[i].Length != i {
			t.Fatalf("records out of order: %+v", dst[:4])
		}
	}
}

type countingProgressor struct {
	calls atomic.Int32
	q     *Queue
}

func (p *countingProgressor) Progress() (bool, error) {
	if p.calls.Add(1) == 3 {
		_ = p.q.Signal(Request{Op: OpKindPut})
	}
	return true, nil
}

func TestQueueWaitDrivesProgress(t *testing.T) {
	q := NewQueue(4)
	p := &countingProgressor{q: q}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := q.Wait(ctx, p)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if req.Op != OpKindPut || p.calls.Load() != 3 {
		t.Fatalf("unexpected wait result %+v after %d progress calls", req, p.calls.Load())
	}
}

func TestSyncSequentialPairs(t *testing.T) {
	s := NewSync(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const rounds = 1000
	go func() {
		for i := 0; i < rounds; i++ {
			for s.Signal(Request{Length: i}) != nil {
				// Previous signal not yet consumed.
				time.Sleep(time.Microsecond)
			}
		}
	}()
	for i := 0; i < rounds; i++ {
		reqs, err := s.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
		if len(reqs) != 1 || reqs[0].Length != i {
			t.Fatalf("round %d: unexpected records %+v", i, reqs)
		}
	}
}

func TestSyncThresholdAndOverflow(t *testing.T) {
	s := NewSync(2)
	if s.Test() {
		t.Fatalf("empty sync reported ready")
	}
	if err := s.Signal(Request{Length: 1}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if _, ok := s.Poll(); ok {
		t.Fatalf("sync ready below threshold")
	}
	if err := s.Signal(Request{Length: 2}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if !s.Test() || !s.Test() {
		t.Fatalf("Test must peek without consuming")
	}
	if err := s.Signal(Request{}); !errors.Is(err, ErrSyncOverflow) || !IsProtocolViolation(err) {
		t.Fatalf("expected overflow violation, got %v", err)
	}
	reqs, ok := s.Poll()
	if !ok || len(reqs) != 2 {
		t.Fatalf("expected two records, got %v %v", reqs, ok)
	}
	if s.Test() {
		t.Fatalf("Poll did not consume")
	}
}

func TestSyncSignalBeforeWait(t *testing.T) {
	s := NewSync(1)
	if err := s.Signal(Request{Op: OpKindReceive}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait lost an early signal: %v", err)
	}
	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if _, err := s.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on consumed sync, got %v", err)
	}
}

func TestCompletionCloseWithOutstanding(t *testing.T) {
	objects := map[string]Completion{
		"counter": NewCounter(),
		"queue":   NewQueue(4),
		"sync":    NewSync(1),
		"handler": NewHandler(func(Request) {}),
	}
	for name, c := range objects {
		t.Run(name, func(t *testing.T) {
			closer := c.(interface{ Close() error })
			if err := retainCompletion(c); err != nil {
				t.Fatalf("retain failed: %v", err)
			}
			if err := closer.Close(); !errors.Is(err, ErrCompletionBusy) {
				t.Fatalf("expected ErrCompletionBusy, got %v", err)
			}
			if err := signalCompletion(c, Request{Op: OpKindSend}); err != nil {
				t.Fatalf("signal failed: %v", err)
			}
			if err := closer.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := c.Signal(Request{}); !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed signaling closed object, got %v", err)
			}
			if err := retainCompletion(c); !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed retaining closed object, got %v", err)
			}
		})
	}
}

func TestHandlerInvokesCallback(t *testing.T) {
	var got Request
	h := NewHandler(func(req Request) { got = req })
	if err := h.Signal(Request{Op: OpKindRemotePut, Tag: 9}); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if got.Op != OpKindRemotePut || got.Tag != 9 {
		t.Fatalf("handler saw %+v", got)
	}
}
