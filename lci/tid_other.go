//go:build !linux

package lci

import "sync/atomic"

var threadHint atomic.Uint32

// threadID has no portable OS thread id to return; it spreads callers over
// local caches round-robin instead.
func threadID() int {
	return int(threadHint.Add(1) % 64)
}
