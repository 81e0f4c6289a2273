package lci

import (
	"fmt"
	"math"
	"unsafe"
)

// MatchType selects which fields of a message pair sends with receives.
type MatchType int

const (
	// MatchRankTag matches on peer rank and tag.
	MatchRankTag MatchType = iota
	// MatchTag matches on tag alone; ranks are ignored on both sides.
	MatchTag
)

func (m MatchType) String() string {
	switch m {
	case MatchRankTag:
		return "rank_tag"
	case MatchTag:
		return "tag"
	default:
		return fmt.Sprintf("match(%d)", int(m))
	}
}

// maxMessageSize bounds messages so lengths fit the header's 32-bit fields.
const maxMessageSize = math.MaxInt32

// EndpointConfig configures Runtime.NewEndpoint.
type EndpointConfig struct {
	MatchType MatchType
	// Default receives the target-side completions of PutSignal and
	// PutMessage operations aimed at this endpoint.
	Default Completion
}

// Endpoint is the posting surface of a runtime. All methods are non-blocking:
// a nil error means the operation started and will signal its completion
// exactly once; an error wrapping ErrRetry means nothing happened and the
// caller should drive Progress and try again.
type Endpoint struct {
	rt        *Runtime
	id        uint16
	matchType MatchType
	signal    Completion
}

// ID returns the endpoint id shared with peers.
func (ep *Endpoint) ID() uint16 {
	return ep.id
}

// MatchType returns the endpoint's match type.
func (ep *Endpoint) MatchType() MatchType {
	return ep.matchType
}

// Runtime returns the owning runtime.
func (ep *Endpoint) Runtime() *Runtime {
	return ep.rt
}

func (ep *Endpoint) key(rank int, tag Tag) Key {
	if ep.matchType == MatchTag {
		rank = AnyRank
	}
	return MakeKey(rank, ep.id, tag)
}

func (ep *Endpoint) checkPeer(peer int, wildcardOK bool) error {
	rt := ep.rt
	if rt.closed.Load() {
		return ErrClosed
	}
	if (peer < 0 || peer >= rt.dev.Size()) && !(peer == AnyRank && wildcardOK) {
		return fmt.Errorf("%w: peer rank %d outside [0,%d)", ErrInvalidArgument, peer, rt.dev.Size())
	}
	return nil
}

// checkPost validates a call that posts to the device. Device posts queue
// behind the backlog to keep their order.
func (ep *Endpoint) checkPost(peer int) error {
	if err := ep.checkPeer(peer, false); err != nil {
		return err
	}
	if ep.rt.backlog.len() > 0 {
		return ep.rt.countRetry(ErrBacklogged)
	}
	return nil
}

// Send transmits buf to tag on peer. Messages up to the eager threshold are
// copied into a packet and buf may be reused on return; larger messages use
// the rendezvous protocol and buf must stay untouched until completion.
func (ep *Endpoint) Send(peer int, tag Tag, buf []byte, c Completion, userCtx any) (*Operation, error) {
	if err := ep.checkPost(peer); err != nil {
		return nil, err
	}
	if uint64(len(buf)) > maxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrInvalidArgument, len(buf))
	}
	if err := retainCompletion(c); err != nil {
		return nil, err
	}
	op := newOperation(ep, OpKindSend, peer, tag, buf, c, userCtx)
	op.key = ep.key(peer, tag)
	var err error
	if len(buf) <= ep.rt.cfg.EagerThreshold {
		err = ep.rt.sendEager(op, nil)
	} else {
		err = ep.rt.sendRTS(op)
	}
	if err != nil {
		releaseCompletion(c)
		return nil, ep.rt.countRetry(err)
	}
	ep.rt.stats.sends.Add(1)
	return op, nil
}

// Receive posts buf for a message with tag from peer. peer may be AnyRank on
// endpoints using MatchTag, or with the hybrid match backend. The receive
// stays pending until a sender matches it or it is canceled.
func (ep *Endpoint) Receive(peer int, tag Tag, buf []byte, c Completion, userCtx any) (*Operation, error) {
	rt := ep.rt
	// Receives never post to the device and are not held behind the backlog.
	if err := ep.checkPeer(peer, true); err != nil {
		return nil, err
	}
	if peer == AnyRank && ep.matchType != MatchTag && rt.cfg.Match.Backend != BackendHybrid {
		return nil, fmt.Errorf("%w: wildcard receive needs MatchTag or the hybrid backend", ErrInvalidArgument)
	}
	if err := retainCompletion(c); err != nil {
		return nil, err
	}
	op := newOperation(ep, OpKindReceive, peer, tag, buf, c, userCtx)
	op.key = ep.key(peer, tag)
	other, matched, err := rt.table.Insert(op.key, op, RoleRecv)
	if err != nil {
		releaseCompletion(c)
		return nil, rt.countRetry(err)
	}
	rt.stats.receives.Add(1)
	if !matched {
		return op, nil
	}
	if err := rt.matched(op, other.(*Packet)); err != nil {
		return nil, err
	}
	return op, nil
}

// Put writes local into the peer's registered memory at remote. Only the
// initiator is signaled.
func (ep *Endpoint) Put(peer int, local []byte, remote RemoteAddr, c Completion, userCtx any) (*Operation, error) {
	return ep.put(peer, local, remote, 0, false, c, userCtx)
}

// PutSignal is Put that additionally signals the Default completion of the
// endpoint with the same id on peer, reporting tag and the written length.
func (ep *Endpoint) PutSignal(peer int, local []byte, remote RemoteAddr, tag Tag, c Completion, userCtx any) (*Operation, error) {
	return ep.put(peer, local, remote, tag, true, c, userCtx)
}

func (ep *Endpoint) put(peer int, local []byte, remote RemoteAddr, tag Tag, signal bool, c Completion, userCtx any) (*Operation, error) {
	rt := ep.rt
	if err := ep.checkPost(peer); err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return nil, fmt.Errorf("%w: empty put", ErrInvalidArgument)
	}
	if err := retainCompletion(c); err != nil {
		return nil, err
	}
	op := newOperation(ep, OpKindPut, peer, tag, local, c, userCtx)
	key, err := rt.archive.put(op)
	if err != nil {
		releaseCompletion(c)
		return nil, rt.countRetry(err)
	}
	op.state.Store(uint32(StateRendezvousWait))
	req := WriteRequest{Rank: peer, Local: local, Remote: remote, Context: makeToken(tokenWrite, key)}
	if signal {
		req.Imm, req.HasImm = putSignalImm(ep.id, tag), true
	}
	if err := rt.dev.PostRDMAWrite(req); err != nil {
		rt.archive.take(key)
		releaseCompletion(c)
		return nil, rt.countRetry(err)
	}
	rt.stats.puts.Add(1)
	return op, nil
}

// PutMessage delivers buf to the Default completion of the endpoint with the
// same id on peer, tagged with tag. The target needs no posted receive or
// registered region: short messages travel in a packet and longer ones are
// written into a buffer the target allocates, handed over as Request.Data.
// buf must stay untouched until c is signaled.
func (ep *Endpoint) PutMessage(peer int, tag Tag, buf []byte, c Completion, userCtx any) (*Operation, error) {
	rt := ep.rt
	if err := ep.checkPost(peer); err != nil {
		return nil, err
	}
	if uint64(len(buf)) > maxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrInvalidArgument, len(buf))
	}
	if err := retainCompletion(c); err != nil {
		return nil, err
	}
	op := newOperation(ep, OpKindPut, peer, tag, buf, c, userCtx)
	op.key = MakeKey(peer, ep.id, tag)
	op.message = true
	var err error
	if len(buf) <= rt.cfg.EagerThreshold {
		err = rt.sendEager(op, nil)
	} else {
		err = rt.sendRTS(op)
	}
	if err != nil {
		releaseCompletion(c)
		return nil, rt.countRetry(err)
	}
	rt.stats.puts.Add(1)
	return op, nil
}

// AllocBuffer takes a packet whose Payload the caller fills before handing it
// to SendPacket. A packet that is not sent must be released.
func (ep *Endpoint) AllocBuffer() (*Packet, error) {
	if ep.rt.closed.Load() {
		return nil, ErrClosed
	}
	pkt, err := ep.rt.pool.Acquire()
	return pkt, ep.rt.countRetry(err)
}

// SendPacket sends the first len(payload) bytes of a packet payload obtained
// from AllocBuffer without copying. The packet is recovered from the payload
// address and returns to the pool once the send completes; on error the
// caller keeps ownership.
func (ep *Endpoint) SendPacket(peer int, tag Tag, payload []byte, c Completion, userCtx any) (*Operation, error) {
	rt := ep.rt
	if err := ep.checkPost(peer); err != nil {
		return nil, err
	}
	pkt, ok := rt.pool.Lookup(payload)
	if !ok || pkt.state.Load() != packetInUse || len(payload) > len(pkt.Payload()) ||
		unsafe.SliceData(payload) != unsafe.SliceData(pkt.Payload()) {
		return nil, fmt.Errorf("%w: buffer is not an allocated packet payload", ErrInvalidArgument)
	}
	if err := retainCompletion(c); err != nil {
		return nil, err
	}
	op := newOperation(ep, OpKindSend, peer, tag, payload, c, userCtx)
	op.key = ep.key(peer, tag)
	if err := rt.sendEager(op, pkt); err != nil {
		releaseCompletion(c)
		return nil, rt.countRetry(err)
	}
	rt.stats.sends.Add(1)
	return op, nil
}
