package lci

import (
	"fmt"
	"sync/atomic"
)

// OpState is the protocol state of an operation.
type OpState uint32

const (
	StateInitiated OpState = iota
	// StateShortComplete: the eager payload left or landed in a packet.
	StateShortComplete
	// StateRendezvousWait: a handshake or bulk write is outstanding.
	StateRendezvousWait
	StateDone
	StateCanceled
)

func (s OpState) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateShortComplete:
		return "short_complete"
	case StateRendezvousWait:
		return "rendezvous_wait"
	case StateDone:
		return "done"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

func legalTransition(from, to OpState) bool {
	switch from {
	case StateInitiated:
		return to == StateShortComplete || to == StateRendezvousWait || to == StateCanceled
	case StateShortComplete, StateRendezvousWait:
		return to == StateDone
	default:
		return false
	}
}

// Operation is the descriptor of one in-flight send, receive or put.
type Operation struct {
	kind    OpKind
	ep      *Endpoint
	peer    int
	tag     Tag
	key     Key
	buf     []byte
	comp    Completion
	userCtx any
	state   atomic.Uint32
	// message is set for puts that carry their payload through the protocol
	// rather than into a registered region.
	message bool

	// Rendezvous bookkeeping, owned by whichever goroutine holds the matched
	// operation.
	region    Region
	hasRegion bool
	recvKey   uint32
	srcRank   int
	size      int
}

func newOperation(ep *Endpoint, kind OpKind, peer int, tag Tag, buf []byte, c Completion, userCtx any) *Operation {
	return &Operation{
		kind:    kind,
		ep:      ep,
		peer:    peer,
		tag:     tag,
		buf:     buf,
		comp:    c,
		userCtx: userCtx,
		srcRank: peer,
	}
}

// Kind returns the operation kind.
func (op *Operation) Kind() OpKind {
	return op.kind
}

// State returns the current protocol state.
func (op *Operation) State() OpState {
	return OpState(op.state.Load())
}

// UserContext returns the value supplied when the operation was posted.
func (op *Operation) UserContext() any {
	return op.userCtx
}

func (op *Operation) transition(from, to OpState) error {
	if !legalTransition(from, to) || !op.state.CompareAndSwap(uint32(from), uint32(to)) {
		return &ProtocolError{
			Op:  fmt.Sprintf("%s %s->%s (at %s)", op.kind, from, to, op.State()),
			Key: op.key,
			Err: ErrIllegalTransition,
		}
	}
	return nil
}

// finish moves through to StateDone from the intermediate state and signals
// the completion exactly once.
func (op *Operation) finish(via OpState, req Request) error {
	if op.State() == StateInitiated {
		if err := op.transition(StateInitiated, via); err != nil {
			return err
		}
	}
	if err := op.transition(via, StateDone); err != nil {
		return err
	}
	req.Op = op.kind
	req.UserContext = op.userCtx
	return signalCompletion(op.comp, req)
}

// Cancel withdraws a pending receive. It returns ErrAlreadyMatched once the
// receive has been paired with a sender. A canceled receive signals its
// completion with ErrCanceled.
func (op *Operation) Cancel() error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidArgument)
	}
	if op.kind != OpKindReceive {
		return fmt.Errorf("%w: only receives can be canceled", ErrInvalidArgument)
	}
	if op.State() != StateInitiated || !op.ep.rt.table.Remove(op.key, op) {
		return &ProtocolError{Op: "cancel", Key: op.key, Err: ErrAlreadyMatched}
	}
	if err := op.transition(StateInitiated, StateCanceled); err != nil {
		return err
	}
	return signalCompletion(op.comp, Request{
		Op:          op.kind,
		Status:      ErrCanceled,
		Rank:        op.peer,
		Tag:         op.tag,
		UserContext: op.userCtx,
	})
}
