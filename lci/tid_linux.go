//go:build linux

package lci

import "golang.org/x/sys/unix"

// threadID identifies the OS thread running the caller. Goroutines may migrate
// between threads, so callers only use it as a cache-affinity hint.
func threadID() int {
	return unix.Gettid()
}
