package lci

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MatchTable pairs send-side and receive-side deposits keyed by Key. Whichever
// role arrives first deposits its value; the first arrival of the other role
// consumes it. Values must be comparable (the runtime stores pointers).
type MatchTable interface {
	// Insert deposits value under key, or consumes a value of the other role
	// already deposited there. When matched is true, other is the consumed value
	// and value was not stored.
	Insert(key Key, value any, role Role) (other any, matched bool, err error)
	// Remove withdraws an unmatched deposit. It reports false when the value is
	// no longer present, typically because it already matched.
	Remove(key Key, value any) bool
	// Len returns the number of deposited values.
	Len() int
}

// MatchBackend selects the table implementation.
type MatchBackend int

const (
	// BackendHash is a fixed-width bucketed hash table with overflow chaining.
	BackendHash MatchBackend = iota
	// BackendQueue keeps a FIFO queue per key.
	BackendQueue
	// BackendHybrid serves exact keys and wildcard-rank receives from
	// tag-bucketed FIFO lists.
	BackendHybrid
)

func (b MatchBackend) String() string {
	switch b {
	case BackendHash:
		return "hash"
	case BackendQueue:
		return "queue"
	case BackendHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseMatchBackend maps a backend name to a MatchBackend. "hashqueue" is
// accepted as an alias of the queue backend.
func ParseMatchBackend(name string) (MatchBackend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hash":
		return BackendHash, nil
	case "queue", "hashqueue":
		return BackendQueue, nil
	case "hybrid":
		return BackendHybrid, nil
	default:
		return BackendHash, fmt.Errorf("%w: unknown match backend %q (want hash|queue|hybrid)", ErrInvalidArgument, name)
	}
}

// DuplicatePolicy decides what happens when a value is deposited for a key that
// already holds a pending value of the same role.
type DuplicatePolicy int

const (
	// DuplicateDefault rejects duplicates on the hash backend and queues them
	// on the queue and hybrid backends.
	DuplicateDefault DuplicatePolicy = iota
	// DuplicateReject returns ErrDuplicateDeposit.
	DuplicateReject
	// DuplicateQueue keeps duplicates in arrival order; the oldest matches first.
	DuplicateQueue
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateReject:
		return "reject"
	case DuplicateQueue:
		return "queue"
	default:
		return "default"
	}
}

// MatchConfig configures NewMatchTable.
type MatchConfig struct {
	Backend    MatchBackend
	Duplicates DuplicatePolicy
	// Buckets is rounded up to a power of two. Defaults to 4096.
	Buckets int
	// MaxChain bounds the overflow rows of a hash bucket. Zero means unbounded.
	MaxChain int
}

const defaultMatchBuckets = 1 << 12

// NewMatchTable constructs the configured backend.
func NewMatchTable(cfg MatchConfig) (MatchTable, error) {
	if cfg.Buckets <= 0 {
		cfg.Buckets = defaultMatchBuckets
	}
	if cfg.MaxChain < 0 {
		return nil, fmt.Errorf("%w: negative MaxChain", ErrInvalidArgument)
	}
	buckets := nextPowerOfTwo(cfg.Buckets)
	policy := cfg.Duplicates
	switch cfg.Backend {
	case BackendHash:
		if policy == DuplicateDefault {
			policy = DuplicateReject
		}
		return newHashTable(buckets, policy, cfg.MaxChain), nil
	case BackendQueue:
		if policy == DuplicateDefault {
			policy = DuplicateQueue
		}
		return newQueueTable(buckets, policy), nil
	case BackendHybrid:
		if policy == DuplicateDefault {
			policy = DuplicateQueue
		}
		return newHybridTable(buckets, policy), nil
	default:
		return nil, fmt.Errorf("%w: match backend %d", ErrInvalidArgument, cfg.Backend)
	}
}

// hashKey mixes the key so consecutive tags and ranks spread over buckets.
func hashKey(k Key) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return xxhash.Sum64(b[:])
}

func nextPowerOfTwo(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

func duplicateError(key Key) error {
	return &ProtocolError{Op: "match insert", Key: key, Err: ErrDuplicateDeposit}
}
