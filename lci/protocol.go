package lci

import "fmt"

// Reject reasons carried in the Length field of a rejecting RTR.
const (
	rejectTruncated uint32 = iota + 1
	rejectRegistration
	rejectNoCompletion
)

func rejectError(reason uint32) error {
	switch reason {
	case rejectRegistration:
		return ErrRemoteRegistration
	case rejectNoCompletion:
		return ErrNoRemoteCompletion
	default:
		return ErrTruncated
	}
}

func protoFlags(op *Operation) HeaderFlag {
	if op.message {
		return FlagPut
	}
	return 0
}

func unknownContext(kind string, v uint32) error {
	return fmt.Errorf("%w: %s context %d", ErrUnknownContext, kind, v)
}

// submitInternal posts a runtime-internal request, queueing it in the backlog
// when the device pushes back.
func (rt *Runtime) submitInternal(fn func() error) error {
	queued, err := rt.backlog.submit(fn)
	if queued {
		rt.stats.backlogged.Add(1)
	}
	return err
}

// sendEager posts op's payload in a packet. A nil pkt means the payload is
// copied into a freshly acquired packet.
func (rt *Runtime) sendEager(op *Operation, pkt *Packet) error {
	owned := pkt == nil
	if owned {
		var err error
		if pkt, err = rt.pool.Acquire(); err != nil {
			return err
		}
		copy(pkt.Payload(), op.buf)
	}
	pkt.setHeader(Header{
		Proto:    ProtoEager,
		Flags:    protoFlags(op),
		Endpoint: op.ep.id,
		Tag:      op.tag,
		SrcRank:  uint32(rt.dev.Rank()),
		Length:   uint32(len(op.buf)),
	})
	pkt.op = op
	err := rt.dev.PostSend(SendRequest{
		Rank:    op.peer,
		Buf:     pkt.buf[:HeaderSize+len(op.buf)],
		Context: makeToken(tokenSend, uint32(pkt.index)),
	})
	if err != nil {
		pkt.op = nil
		if owned {
			_ = rt.pool.Release(pkt)
		}
		return err
	}
	rt.stats.eager.Add(1)
	return nil
}

// sendRTS archives op and announces it to the peer.
func (rt *Runtime) sendRTS(op *Operation) error {
	key, err := rt.archive.put(op)
	if err != nil {
		return err
	}
	pkt, err := rt.pool.Acquire()
	if err != nil {
		rt.archive.take(key)
		return err
	}
	// The RTR may be served before PostSend returns.
	op.state.Store(uint32(StateRendezvousWait))
	pkt.setHeader(Header{
		Proto:    ProtoRTS,
		Flags:    protoFlags(op),
		Endpoint: op.ep.id,
		Tag:      op.tag,
		SrcRank:  uint32(rt.dev.Rank()),
		SendCtx:  key,
		Size:     uint64(len(op.buf)),
	})
	err = rt.dev.PostSend(SendRequest{
		Rank:    op.peer,
		Buf:     pkt.buf[:HeaderSize],
		Context: makeToken(tokenSend, uint32(pkt.index)),
	})
	if err != nil {
		_ = rt.pool.Release(pkt)
		rt.archive.take(key)
		return err
	}
	rt.stats.rendezvous.Add(1)
	return nil
}

// serve advances the protocol for one device completion.
func (rt *Runtime) serve(c DeviceCompletion) error {
	kind, v := splitToken(c.Context)
	switch c.Opcode {
	case OpSend:
		pkt, ok := rt.pool.packet(int(v))
		if kind != tokenSend || !ok {
			return unknownContext("send", v)
		}
		op := pkt.op
		if err := rt.pool.Release(pkt); err != nil {
			return err
		}
		if op == nil {
			// Control packet (RTS or RTR).
			if c.Err != nil {
				rt.logger.Warnf("lci[%s]: control packet send failed: %v", rt.id, c.Err)
			}
			return nil
		}
		return op.finish(StateShortComplete, Request{
			Status: c.Err,
			Rank:   op.peer,
			Tag:    op.tag,
			Length: len(op.buf),
		})

	case OpRecv:
		pkt, ok := rt.pool.packet(int(v))
		if kind != tokenRecv || !ok {
			return unknownContext("recv", v)
		}
		pkt.posted.Store(false)
		rt.postedRecvs.Add(-1)
		if c.Err != nil {
			rt.logger.Warnf("lci[%s]: receive packet from rank %d failed: %v", rt.id, c.Rank, c.Err)
			return rt.pool.Release(pkt)
		}
		return rt.arrival(pkt)

	case OpWrite:
		op, ok := rt.archive.take(v)
		if kind != tokenWrite || !ok {
			return unknownContext("write", v)
		}
		return op.finish(StateRendezvousWait, Request{
			Status: c.Err,
			Rank:   op.peer,
			Tag:    op.tag,
			Length: len(op.buf),
		})

	case OpRemoteWrite:
		if !c.HasImm {
			return nil
		}
		if c.Imm&immRendezvous != 0 {
			return rt.rendezvousLanded(c)
		}
		return rt.putLanded(c)

	default:
		return fmt.Errorf("%w: device completion opcode %s", ErrProtocolViolation, c.Opcode)
	}
}

// arrival handles a packet delivered into a posted receive buffer.
func (rt *Runtime) arrival(pkt *Packet) error {
	hdr, err := pkt.Header()
	if err != nil {
		_ = rt.pool.Release(pkt)
		return err
	}
	if hdr.Proto == ProtoRTR {
		return rt.handleRTR(pkt, hdr)
	}
	ep, ok := rt.endpoint(hdr.Endpoint)
	if !ok {
		_ = rt.pool.Release(pkt)
		return fmt.Errorf("%w: %s from rank %d for unknown endpoint %d", ErrProtocolViolation, hdr.Proto, hdr.SrcRank, hdr.Endpoint)
	}
	if hdr.Flags&FlagPut != 0 {
		if hdr.Proto == ProtoRTS {
			return rt.acceptPut(ep, pkt, hdr)
		}
		return rt.putArrived(ep, pkt, hdr)
	}
	key := ep.key(int(hdr.SrcRank), hdr.Tag)
	return rt.submitInternal(func() error { return rt.deposit(key, pkt) })
}

// deposit inserts an arrival, completing the receive it matches.
func (rt *Runtime) deposit(key Key, pkt *Packet) error {
	other, matched, err := rt.table.Insert(key, pkt, RoleSend)
	if err != nil {
		if !IsRetry(err) {
			_ = rt.pool.Release(pkt)
		}
		return err
	}
	if !matched {
		rt.stats.unexpected.Add(1)
		return nil
	}
	rt.stats.expected.Add(1)
	return rt.matched(other.(*Operation), pkt)
}

// matched completes the pairing of receive op with an arrived packet.
func (rt *Runtime) matched(op *Operation, pkt *Packet) error {
	hdr, err := pkt.Header()
	if err != nil {
		_ = rt.pool.Release(pkt)
		return err
	}
	op.srcRank = int(hdr.SrcRank)
	op.tag = hdr.Tag
	switch hdr.Proto {
	case ProtoEager:
		n := int(hdr.Length)
		var status error
		if n > len(op.buf) {
			n, status = len(op.buf), ErrTruncated
		}
		copy(op.buf, pkt.Payload()[:n])
		if err := rt.pool.Release(pkt); err != nil {
			return err
		}
		return op.finish(StateShortComplete, Request{
			Status: status,
			Rank:   op.srcRank,
			Tag:    op.tag,
			Length: n,
			Data:   op.buf[:n],
		})
	case ProtoRTS:
		return rt.acceptRTS(op, pkt, hdr)
	default:
		_ = rt.pool.Release(pkt)
		return &ProtocolError{Op: "match " + hdr.Proto.String(), Key: op.key, Err: ErrProtocolViolation}
	}
}

// acceptRTS answers a matched RTS with an RTR, reusing its packet.
func (rt *Runtime) acceptRTS(op *Operation, pkt *Packet, hdr Header) error {
	if err := op.transition(StateInitiated, StateRendezvousWait); err != nil {
		_ = rt.pool.Release(pkt)
		return err
	}
	op.size = int(hdr.Size)
	if op.size > len(op.buf) {
		return rt.rejectRTS(op, pkt, hdr, rejectTruncated, ErrTruncated)
	}
	return rt.submitInternal(func() error { return rt.postRTR(op, pkt, hdr) })
}

// postRTR registers the receive buffer, archives op and sends the RTR. Steps
// already done are skipped when the backlog replays it.
func (rt *Runtime) postRTR(op *Operation, pkt *Packet, hdr Header) error {
	if !op.hasRegion {
		region, err := rt.dev.RegisterMemory(op.buf[:op.size])
		if err != nil {
			if IsRetry(err) {
				return err
			}
			rt.logger.Warnf("lci[%s]: register rendezvous buffer for %s: %v", rt.id, op.key, err)
			return rt.rejectRTS(op, pkt, hdr, rejectRegistration, fmt.Errorf("register receive buffer: %w", err))
		}
		op.region, op.hasRegion = region, true
	}
	if op.recvKey == 0 {
		key, err := rt.archive.put(op)
		if err != nil {
			return err
		}
		op.recvKey = key
	}
	pkt.setHeader(Header{
		Proto:     ProtoRTR,
		Endpoint:  hdr.Endpoint,
		Tag:       hdr.Tag,
		SrcRank:   uint32(rt.dev.Rank()),
		SendCtx:   hdr.SendCtx,
		RecvCtx:   op.recvKey,
		RemoteKey: op.region.Key,
		Size:      hdr.Size,
	})
	err := rt.dev.PostSend(SendRequest{
		Rank:    int(hdr.SrcRank),
		Buf:     pkt.buf[:HeaderSize],
		Context: makeToken(tokenSend, uint32(pkt.index)),
	})
	if err == nil || IsRetry(err) {
		return err
	}
	rt.logger.Warnf("lci[%s]: RTR to rank %d for %s failed: %v", rt.id, hdr.SrcRank, op.key, err)
	_ = rt.pool.Release(pkt)
	rt.archive.take(op.recvKey)
	if op.hasRegion {
		_ = rt.dev.DeregisterMemory(op.region)
		op.hasRegion = false
	}
	return op.finish(StateRendezvousWait, Request{
		Status: fmt.Errorf("post RTR: %w", err),
		Rank:   op.srcRank,
		Tag:    op.tag,
	})
}

// rejectRTS refuses a rendezvous: the sender learns the reason from the RTR
// and the receive, if there is one, completes with status.
func (rt *Runtime) rejectRTS(op *Operation, pkt *Packet, hdr Header, reason uint32, status error) error {
	pkt.setHeader(Header{
		Proto:    ProtoRTR,
		Flags:    FlagReject,
		Endpoint: hdr.Endpoint,
		Tag:      hdr.Tag,
		SrcRank:  uint32(rt.dev.Rank()),
		Length:   reason,
		SendCtx:  hdr.SendCtx,
		Size:     hdr.Size,
	})
	req := SendRequest{
		Rank:    int(hdr.SrcRank),
		Buf:     pkt.buf[:HeaderSize],
		Context: makeToken(tokenSend, uint32(pkt.index)),
	}
	postErr := rt.submitInternal(func() error { return rt.dev.PostSend(req) })
	var finishErr error
	if op != nil {
		finishErr = op.finish(StateRendezvousWait, Request{
			Status: status,
			Rank:   op.srcRank,
			Tag:    op.tag,
		})
	}
	if postErr != nil {
		return postErr
	}
	return finishErr
}

// handleRTR starts the bulk write for an accepted rendezvous, or fails the
// send when the receiver rejected it.
func (rt *Runtime) handleRTR(pkt *Packet, hdr Header) error {
	if err := rt.pool.Release(pkt); err != nil {
		return err
	}
	op, ok := rt.archive.get(hdr.SendCtx)
	if !ok || (op.kind != OpKindSend && !op.message) {
		return unknownContext("rts", hdr.SendCtx)
	}
	if hdr.Flags&FlagReject != 0 {
		rt.archive.take(hdr.SendCtx)
		return op.finish(StateRendezvousWait, Request{
			Status: rejectError(hdr.Length),
			Rank:   op.peer,
			Tag:    op.tag,
		})
	}
	req := WriteRequest{
		Rank:    int(hdr.SrcRank),
		Local:   op.buf,
		Remote:  RemoteAddr{Key: hdr.RemoteKey, Offset: hdr.RemoteOffset},
		Imm:     rendezvousImm(hdr.RecvCtx),
		HasImm:  true,
		Context: makeToken(tokenWrite, hdr.SendCtx),
	}
	return rt.submitInternal(func() error {
		err := rt.dev.PostRDMAWrite(req)
		if err == nil || IsRetry(err) {
			return err
		}
		rt.logger.Warnf("lci[%s]: rendezvous write to rank %d for %s failed: %v", rt.id, req.Rank, op.key, err)
		rt.archive.take(hdr.SendCtx)
		return op.finish(StateRendezvousWait, Request{
			Status: fmt.Errorf("post rendezvous write: %w", err),
			Rank:   op.peer,
			Tag:    op.tag,
		})
	})
}

// rendezvousLanded completes a receive whose bulk data has been written.
func (rt *Runtime) rendezvousLanded(c DeviceCompletion) error {
	key := c.Imm &^ immRendezvous
	op, ok := rt.archive.take(key)
	if !ok || (op.kind != OpKindReceive && op.kind != OpKindRemotePut) {
		return unknownContext("rendezvous receive", key)
	}
	if op.hasRegion {
		if err := rt.dev.DeregisterMemory(op.region); err != nil {
			rt.logger.Warnf("lci[%s]: deregister rendezvous buffer: %v", rt.id, err)
		}
		op.hasRegion = false
	}
	n := min(c.Length, len(op.buf))
	return op.finish(StateRendezvousWait, Request{
		Status: c.Err,
		Rank:   op.srcRank,
		Tag:    op.tag,
		Length: n,
		Data:   op.buf[:n],
	})
}

// putLanded signals the target endpoint of a PutSignal.
func (rt *Runtime) putLanded(c DeviceCompletion) error {
	id, tag := decodePutSignalImm(c.Imm)
	ep, ok := rt.endpoint(id)
	if !ok {
		return fmt.Errorf("%w: put signal for unknown endpoint %d", ErrProtocolViolation, id)
	}
	if ep.signal == nil {
		rt.logger.Warnf("lci[%s]: put signal tag %d from rank %d dropped: endpoint %d has no default completion", rt.id, tag, c.Rank, id)
		return nil
	}
	return ep.signal.Signal(Request{
		Op:     OpKindRemotePut,
		Status: c.Err,
		Rank:   c.Rank,
		Tag:    tag,
		Length: c.Length,
	})
}

// putArrived delivers an eager message put to the endpoint's Default
// completion. The payload is copied out so the packet can be reposted.
func (rt *Runtime) putArrived(ep *Endpoint, pkt *Packet, hdr Header) error {
	n := int(hdr.Length)
	if n > len(pkt.Payload()) {
		_ = rt.pool.Release(pkt)
		return fmt.Errorf("%w: message put of %d bytes in a %d byte packet", ErrProtocolViolation, n, len(pkt.Payload()))
	}
	data := append([]byte(nil), pkt.Payload()[:n]...)
	if err := rt.pool.Release(pkt); err != nil {
		return err
	}
	if ep.signal == nil {
		rt.logger.Warnf("lci[%s]: message put tag %d from rank %d dropped: endpoint %d has no default completion", rt.id, hdr.Tag, hdr.SrcRank, ep.id)
		return nil
	}
	return ep.signal.Signal(Request{
		Op:     OpKindRemotePut,
		Rank:   int(hdr.SrcRank),
		Tag:    hdr.Tag,
		Length: n,
		Data:   data,
	})
}

// acceptPut answers a message put RTS with an RTR for a buffer allocated here.
// The write lands through rendezvousLanded like any rendezvous receive.
func (rt *Runtime) acceptPut(ep *Endpoint, pkt *Packet, hdr Header) error {
	if ep.signal == nil || retainCompletion(ep.signal) != nil {
		rt.logger.Warnf("lci[%s]: message put tag %d from rank %d refused: endpoint %d has no default completion", rt.id, hdr.Tag, hdr.SrcRank, ep.id)
		return rt.rejectRTS(nil, pkt, hdr, rejectNoCompletion, nil)
	}
	if hdr.Size > maxMessageSize {
		releaseCompletion(ep.signal)
		return rt.rejectRTS(nil, pkt, hdr, rejectTruncated, nil)
	}
	op := newOperation(ep, OpKindRemotePut, int(hdr.SrcRank), hdr.Tag, make([]byte, hdr.Size), ep.signal, nil)
	op.key = MakeKey(int(hdr.SrcRank), ep.id, hdr.Tag)
	op.size = int(hdr.Size)
	op.state.Store(uint32(StateRendezvousWait))
	return rt.submitInternal(func() error { return rt.postRTR(op, pkt, hdr) })
}
