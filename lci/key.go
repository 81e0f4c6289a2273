package lci

import "fmt"

// Tag is the application-level message tag.
type Tag uint16

// MaxTag is the largest tag that fits in a match key.
const MaxTag = Tag(0xFFFF)

// AnyRank is the wildcard peer rank. Only the hybrid match backend serves
// receives posted with AnyRank; endpoints configured with MatchTag ignore ranks
// altogether.
const AnyRank = -1

const (
	anyRankBits  = uint64(0xFFFFFFFF)
	keyRankShift = 32
	keyEPShift   = 16
)

// MaxEndpointID is the largest endpoint id; ids share a 15-bit field with the
// put-signal immediate encoding.
const MaxEndpointID = 0x7FFF

// Key is the match key: rank<<32 | endpoint<<16 | tag.
type Key uint64

// MakeKey builds the key for the (rank, endpoint, tag) triple. A negative rank
// produces the wildcard rank.
func MakeKey(rank int, endpoint uint16, tag Tag) Key {
	r := anyRankBits
	if rank >= 0 {
		r = uint64(uint32(rank))
	}
	return Key(r<<keyRankShift | uint64(endpoint)<<keyEPShift | uint64(tag))
}

// Rank returns the peer rank, or AnyRank.
func (k Key) Rank() int {
	r := uint64(k) >> keyRankShift
	if r == anyRankBits {
		return AnyRank
	}
	return int(r)
}

// Endpoint returns the endpoint id field.
func (k Key) Endpoint() uint16 {
	return uint16(uint64(k) >> keyEPShift)
}

// Tag returns the tag field.
func (k Key) Tag() Tag {
	return Tag(uint64(k))
}

// Wildcard reports whether the key carries the wildcard rank.
func (k Key) Wildcard() bool {
	return uint64(k)>>keyRankShift == anyRankBits
}

// WithAnyRank returns the key with its rank replaced by the wildcard.
func (k Key) WithAnyRank() Key {
	return Key(anyRankBits<<keyRankShift | uint64(k)&0xFFFFFFFF)
}

func (k Key) String() string {
	if k.Wildcard() {
		return fmt.Sprintf("*/%d/%d", k.Endpoint(), k.Tag())
	}
	return fmt.Sprintf("%d/%d/%d", k.Rank(), k.Endpoint(), k.Tag())
}

// Role identifies which side of a match deposited a value.
type Role uint8

const (
	// RoleSend is the initiator: an arriving message or request-to-send.
	RoleSend Role = iota
	// RoleRecv is the counterpart: a posted receive descriptor.
	RoleRecv
)

func (r Role) String() string {
	switch r {
	case RoleSend:
		return "send"
	case RoleRecv:
		return "recv"
	default:
		return "role"
	}
}

// other returns the complementary role.
func (r Role) other() Role {
	return 1 - r
}
