package lci

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// HeaderSize is the number of bytes at the start of every packet reserved for
// the protocol header.
const HeaderSize = 48

// Proto identifies the protocol message carried by a packet.
type Proto uint8

const (
	// ProtoEager carries a complete short message.
	ProtoEager Proto = iota + 1
	// ProtoRTS announces a rendezvous message (request to send).
	ProtoRTS
	// ProtoRTR answers an RTS with the destination region (ready to receive).
	ProtoRTR
)

func (p Proto) String() string {
	switch p {
	case ProtoEager:
		return "eager"
	case ProtoRTS:
		return "rts"
	case ProtoRTR:
		return "rtr"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// HeaderFlag modifies a protocol message.
type HeaderFlag uint8

const (
	// FlagReject marks an RTR refusing the transfer; the reason travels in
	// the Length field.
	FlagReject HeaderFlag = 1 << iota
	// FlagPut marks an eager message or RTS as a message put: the target
	// delivers it to its endpoint's Default completion instead of matching.
	FlagPut
)

// Header is the protocol header.
//
// Wire layout (little endian):
//
//	0  proto    u8     1  flags     u8     2  endpoint u16    4 tag u16
//	6  reserved u16    8  src rank  u32   12  length   u32
//	16 send ctx u32   20  recv ctx  u32   24  remote key u64
//	32 remote offset u64                  40  size     u64
type Header struct {
	Proto        Proto
	Flags        HeaderFlag
	Endpoint     uint16
	Tag          Tag
	SrcRank      uint32
	Length       uint32
	SendCtx      uint32
	RecvCtx      uint32
	RemoteKey    uint64
	RemoteOffset uint64
	Size         uint64
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header buffer of %d bytes", ErrInvalidArgument, len(buf))
	}
	le := binary.LittleEndian
	buf[0] = byte(h.Proto)
	buf[1] = byte(h.Flags)
	le.PutUint16(buf[2:], h.Endpoint)
	le.PutUint16(buf[4:], uint16(h.Tag))
	le.PutUint16(buf[6:], 0)
	le.PutUint32(buf[8:], h.SrcRank)
	le.PutUint32(buf[12:], h.Length)
	le.PutUint32(buf[16:], h.SendCtx)
	le.PutUint32(buf[20:], h.RecvCtx)
	le.PutUint64(buf[24:], h.RemoteKey)
	le.PutUint64(buf[32:], h.RemoteOffset)
	le.PutUint64(buf[40:], h.Size)
	return nil
}

// DecodeHeader parses the header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short packet of %d bytes", ErrInvalidArgument, len(buf))
	}
	le := binary.LittleEndian
	h := Header{
		Proto:        Proto(buf[0]),
		Flags:        HeaderFlag(buf[1]),
		Endpoint:     le.Uint16(buf[2:]),
		Tag:          Tag(le.Uint16(buf[4:])),
		SrcRank:      le.Uint32(buf[8:]),
		Length:       le.Uint32(buf[12:]),
		SendCtx:      le.Uint32(buf[16:]),
		RecvCtx:      le.Uint32(buf[20:]),
		RemoteKey:    le.Uint64(buf[24:]),
		RemoteOffset: le.Uint64(buf[32:]),
		Size:         le.Uint64(buf[40:]),
	}
	if h.Proto < ProtoEager || h.Proto > ProtoRTR {
		return Header{}, fmt.Errorf("%w: unknown protocol %d", ErrProtocolViolation, buf[0])
	}
	return h, nil
}

const (
	packetFree uint32 = iota
	packetInUse
)

// Packet is a fixed-size network buffer owned by a PacketPool. A packet is
// either on one of the pool's free lists or in flight, never both.
type Packet struct {
	pool  *PacketPool
	index int
	buf   []byte
	state atomic.Uint32
	// posted is set while the packet sits in the device receive queue.
	posted atomic.Bool
	// op is the operation a posted packet completes, if any.
	op *Operation
}

// Index returns the packet's position in the pool arena.
func (p *Packet) Index() int {
	return p.index
}

// Bytes returns the whole packet buffer, header included.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Payload returns the buffer area following the header.
func (p *Packet) Payload() []byte {
	return p.buf[HeaderSize:]
}

// Header decodes the packet's current header.
func (p *Packet) Header() (Header, error) {
	return DecodeHeader(p.buf)
}

func (p *Packet) setHeader(h Header) {
	// The packet buffer always holds at least HeaderSize bytes.
	_ = h.Encode(p.buf)
}

// Release returns the packet to its pool.
func (p *Packet) Release() error {
	if p == nil || p.pool == nil {
		return ErrForeignPacket
	}
	return p.pool.Release(p)
}
