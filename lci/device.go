package lci

import "fmt"

// Device is the network device the runtime drives. Every request carries a
// runtime-chosen Context token that the device echoes in the matching
// completion. Post methods return an error wrapping ErrRetry when the device
// cannot accept more work; the request then had no effect.
//
// Posted receive buffers are consumed in FIFO order by incoming sends. Writes
// carrying immediate data produce an OpRemoteWrite completion at the target
// and do not consume a posted receive.
type Device interface {
	Rank() int
	Size() int
	PostSend(SendRequest) error
	PostRecv(RecvRequest) error
	PostRDMAWrite(WriteRequest) error
	// PollCompletions moves up to len(dst) completions into dst and returns
	// how many were written. It must not block.
	PollCompletions(dst []DeviceCompletion) int
	RegisterMemory(buf []byte) (Region, error)
	// DeregisterMemory releases a region. Posted receive buffers inside it are
	// discarded without completions.
	DeregisterMemory(Region) error
}

// SendRequest transmits Buf to Rank.
type SendRequest struct {
	Rank    int
	Buf     []byte
	Context uint64
}

// RecvRequest posts Buf for one incoming send.
type RecvRequest struct {
	Buf     []byte
	Context uint64
}

// WriteRequest copies Local into the remote region at Remote on Rank.
type WriteRequest struct {
	Rank    int
	Local   []byte
	Remote  RemoteAddr
	Imm     uint32
	HasImm  bool
	Context uint64
}

// Opcode identifies the kind of a device completion.
type Opcode uint8

const (
	// OpSend reports local completion of a PostSend.
	OpSend Opcode = iota + 1
	// OpRecv reports a send landing in a posted receive buffer.
	OpRecv
	// OpWrite reports local completion of a PostRDMAWrite.
	OpWrite
	// OpRemoteWrite reports, at the target, a write carrying immediate data.
	OpRemoteWrite
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpWrite:
		return "write"
	case OpRemoteWrite:
		return "remote_write"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// DeviceCompletion is one entry drained from the device completion queue.
type DeviceCompletion struct {
	Opcode Opcode
	// Context echoes the request token. It is zero for OpRemoteWrite.
	Context uint64
	// Rank is the peer: the source for OpRecv and OpRemoteWrite.
	Rank   int
	Length int
	Imm    uint32
	HasImm bool
	Err    error
}

// Region is registered memory addressable by remote writes.
type Region struct {
	Key uint64
	Len int
}

// Addr returns the remote address of offset within the region.
func (r Region) Addr(offset int) RemoteAddr {
	return RemoteAddr{Key: r.Key, Offset: uint64(offset)}
}

// RemoteAddr names a location in a peer's registered region.
type RemoteAddr struct {
	Key    uint64
	Offset uint64
}

// Context tokens: the kind in the high word, a packet index or archive key in
// the low word.
const (
	tokenSend uint64 = iota + 1
	tokenRecv
	tokenWrite
)

func makeToken(kind uint64, v uint32) uint64 {
	return kind<<32 | uint64(v)
}

func splitToken(token uint64) (kind uint64, v uint32) {
	return token >> 32, uint32(token)
}

// Immediate data: bit 31 set carries a rendezvous receive key in the low 31
// bits; clear carries a put signal as endpoint<<16 | tag.
const immRendezvous = uint32(1) << 31

func rendezvousImm(recvKey uint32) uint32 {
	return immRendezvous | recvKey&^immRendezvous
}

func putSignalImm(endpoint uint16, tag Tag) uint32 {
	return uint32(endpoint&MaxEndpointID)<<16 | uint32(tag)
}

func decodePutSignalImm(imm uint32) (endpoint uint16, tag Tag) {
	return uint16(imm>>16) & MaxEndpointID, Tag(imm)
}
