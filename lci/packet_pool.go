package lci

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// PoolConfig configures NewPacketPool.
type PoolConfig struct {
	// PacketSize is the size of each packet including the header. Defaults to 8 KiB.
	PacketSize int
	// Count is the pool capacity. Defaults to 1024.
	Count int
	// LocalHighWater bounds a per-thread free list before a batch migrates
	// back to the shared list. Defaults to 32.
	LocalHighWater int
	// BatchSize is the number of packets moved per refill or drain. Defaults
	// to LocalHighWater/2.
	BatchSize int
	// MaxLocalCaches bounds the number of per-thread caches. Threads beyond the
	// bound share existing caches. Defaults to 256.
	MaxLocalCaches int
	Logger         Logger
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Capacity    int
	Free        int
	InUse       int
	LocalCaches int
	Steals      uint64
}

type localCache struct {
	mu   sync.Mutex
	free []*Packet
	_    cpu.CacheLinePad
}

// PacketPool hands out fixed-size packets carved from one contiguous arena.
// Each OS thread gets a private free list backed by a shared global list.
type PacketPool struct {
	cfg     PoolConfig
	logger  Logger
	arena   []byte
	unmap   func() error
	base    uintptr
	stride  int
	packets []Packet

	// available counts packets that are free or moving between free lists.
	// Acquire reserves from it first so exhaustion is reported exactly.
	available atomic.Int64

	globalMu sync.Mutex
	global   []*Packet

	registryMu sync.Mutex
	byThread   sync.Map // thread id -> *localCache
	caches     atomic.Pointer[[]*localCache]
	stealNext  atomic.Uint32

	steals atomic.Uint64
	closed atomic.Bool
}

const (
	defaultPacketSize     = 8 << 10
	defaultPacketCount    = 1024
	defaultLocalHighWater = 32
	defaultMaxLocalCaches = 256
	packetAlign           = 64
)

// NewPacketPool maps the arena and places every packet on the global list.
func NewPacketPool(cfg PoolConfig) (*PacketPool, error) {
	if cfg.PacketSize == 0 {
		cfg.PacketSize = defaultPacketSize
	}
	if cfg.Count == 0 {
		cfg.Count = defaultPacketCount
	}
	if cfg.LocalHighWater <= 0 {
		cfg.LocalHighWater = defaultLocalHighWater
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.LocalHighWater / 2
		if cfg.BatchSize == 0 {
			cfg.BatchSize = 1
		}
	}
	if cfg.MaxLocalCaches <= 0 {
		cfg.MaxLocalCaches = defaultMaxLocalCaches
	}
	if cfg.PacketSize <= HeaderSize {
		return nil, fmt.Errorf("%w: packet size %d must exceed header size %d", ErrInvalidArgument, cfg.PacketSize, HeaderSize)
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("%w: negative packet count", ErrInvalidArgument)
	}

	stride := (cfg.PacketSize + packetAlign - 1) &^ (packetAlign - 1)
	arena, unmap, err := mapArena(stride * cfg.Count)
	if err != nil {
		return nil, err
	}
	p := &PacketPool{
		cfg:     cfg,
		logger:  loggerOrNop(cfg.Logger),
		arena:   arena,
		unmap:   unmap,
		stride:  stride,
		packets: make([]Packet, cfg.Count),
		global:  make([]*Packet, 0, cfg.Count),
	}
	if len(arena) > 0 {
		p.base = uintptr(unsafe.Pointer(unsafe.SliceData(arena)))
	}
	for i := range p.packets {
		pkt := &p.packets[i]
		pkt.pool = p
		pkt.index = i
		off := i * stride
		pkt.buf = arena[off : off+cfg.PacketSize : off+cfg.PacketSize]
		p.global = append(p.global, pkt)
	}
	p.available.Store(int64(cfg.Count))
	empty := make([]*localCache, 0)
	p.caches.Store(&empty)
	return p, nil
}

// PacketSize returns the configured packet size.
func (p *PacketPool) PacketSize() int {
	return p.cfg.PacketSize
}

// Capacity returns the number of packets owned by the pool.
func (p *PacketPool) Capacity() int {
	return len(p.packets)
}

// Arena exposes the backing memory, for registration with a device.
func (p *PacketPool) Arena() []byte {
	return p.arena
}

// Acquire takes a free packet without blocking. It returns ErrPoolExhausted
// when every packet is in flight.
func (p *PacketPool) Acquire() (*Packet, error) {
	if p == nil {
		return nil, errors.New("lci: nil packet pool")
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if !p.reserve() {
		return nil, ErrPoolExhausted
	}
	lc := p.local()
	for {
		if pkt := p.take(lc); pkt != nil {
			if !pkt.state.CompareAndSwap(packetFree, packetInUse) {
				p.available.Add(1)
				return nil, fmt.Errorf("%w: packet %d on free list while in use", ErrProtocolViolation, pkt.index)
			}
			return pkt, nil
		}
		// A reserved packet is moving between lists; it lands shortly.
		runtime.Gosched()
	}
}

// reserve claims one unit of availability.
func (p *PacketPool) reserve() bool {
	for {
		n := p.available.Load()
		if n <= 0 {
			return false
		}
		if p.available.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// take pops from the local cache, then refills from the global list, then
// steals half of another thread's cache.
func (p *PacketPool) take(lc *localCache) *Packet {
	lc.mu.Lock()
	if pkt := popPacket(&lc.free); pkt != nil {
		lc.mu.Unlock()
		return pkt
	}
	p.globalMu.Lock()
	n := min(p.cfg.BatchSize, len(p.global))
	if n > 0 {
		cut := len(p.global) - n
		lc.free = append(lc.free, p.global[cut:]...)
		clear(p.global[cut:])
		p.global = p.global[:cut]
	}
	p.globalMu.Unlock()
	pkt := popPacket(&lc.free)
	lc.mu.Unlock()
	if pkt != nil {
		return pkt
	}
	return p.steal(lc)
}

func (p *PacketPool) steal(self *localCache) *Packet {
	caches := *p.caches.Load()
	if len(caches) == 0 {
		return nil
	}
	start := int(p.stealNext.Add(1))
	for i := 0; i < len(caches); i++ {
		victim := caches[(start+i)%len(caches)]
		if victim == self {
			continue
		}
		victim.mu.Lock()
		n := (len(victim.free) + 1) / 2
		if n == 0 {
			victim.mu.Unlock()
			continue
		}
		cut := len(victim.free) - n
		loot := append([]*Packet(nil), victim.free[cut:]...)
		clear(victim.free[cut:])
		victim.free = victim.free[:cut]
		victim.mu.Unlock()

		p.steals.Add(1)
		pkt := loot[len(loot)-1]
		if rest := loot[:len(loot)-1]; len(rest) > 0 {
			self.mu.Lock()
			self.free = append(self.free, rest...)
			self.mu.Unlock()
		}
		return pkt
	}
	return nil
}

func popPacket(list *[]*Packet) *Packet {
	n := len(*list)
	if n == 0 {
		return nil
	}
	pkt := (*list)[n-1]
	(*list)[n-1] = nil
	*list = (*list)[:n-1]
	return pkt
}

// Release returns pkt to the caller's local cache, migrating a batch to the
// global list above the high-water mark.
func (p *PacketPool) Release(pkt *Packet) error {
	if p == nil || pkt == nil {
		return ErrForeignPacket
	}
	if pkt.pool != p {
		return ErrForeignPacket
	}
	if !pkt.state.CompareAndSwap(packetInUse, packetFree) {
		return fmt.Errorf("%w (packet %d)", ErrDoubleRelease, pkt.index)
	}
	pkt.op = nil
	lc := p.local()
	lc.mu.Lock()
	lc.free = append(lc.free, pkt)
	if len(lc.free) > p.cfg.LocalHighWater {
		cut := len(lc.free) - p.cfg.BatchSize
		p.globalMu.Lock()
		p.global = append(p.global, lc.free[cut:]...)
		p.globalMu.Unlock()
		clear(lc.free[cut:])
		lc.free = lc.free[:cut]
	}
	lc.mu.Unlock()
	p.available.Add(1)
	return nil
}

// Lookup recovers the packet whose buffer or payload starts at buf[0].
func (p *PacketPool) Lookup(buf []byte) (*Packet, bool) {
	if p == nil || len(buf) == 0 || len(p.arena) == 0 {
		return nil, false
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if addr < p.base || addr >= p.base+uintptr(len(p.arena)) {
		return nil, false
	}
	off := int(addr - p.base)
	idx := off / p.stride
	if rem := off % p.stride; rem != 0 && rem != HeaderSize {
		return nil, false
	}
	if idx >= len(p.packets) {
		return nil, false
	}
	return &p.packets[idx], true
}

func (p *PacketPool) packet(idx int) (*Packet, bool) {
	if idx < 0 || idx >= len(p.packets) {
		return nil, false
	}
	return &p.packets[idx], true
}

// local returns the calling thread's cache, registering one on first use.
func (p *PacketPool) local() *localCache {
	tid := threadID()
	if lc, ok := p.byThread.Load(tid); ok {
		return lc.(*localCache)
	}
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	if lc, ok := p.byThread.Load(tid); ok {
		return lc.(*localCache)
	}
	caches := *p.caches.Load()
	var lc *localCache
	if len(caches) >= p.cfg.MaxLocalCaches {
		lc = caches[tid%len(caches)]
	} else {
		lc = &localCache{}
		grown := make([]*localCache, len(caches), len(caches)+1)
		copy(grown, caches)
		grown = append(grown, lc)
		p.caches.Store(&grown)
	}
	p.byThread.Store(tid, lc)
	return lc
}

// Stats returns a snapshot of pool occupancy.
func (p *PacketPool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	avail := p.available.Load()
	if avail < 0 {
		avail += poolSealed
	}
	free := int(avail)
	return PoolStats{
		Capacity:    len(p.packets),
		Free:        free,
		InUse:       len(p.packets) - free,
		LocalCaches: len(*p.caches.Load()),
		Steals:      p.steals.Load(),
	}
}

// countFree walks every free list.
func (p *PacketPool) countFree() int {
	total := 0
	for _, lc := range *p.caches.Load() {
		lc.mu.Lock()
		total += len(lc.free)
		lc.mu.Unlock()
	}
	p.globalMu.Lock()
	total += len(p.global)
	p.globalMu.Unlock()
	return total
}

// poolSealed is subtracted from available when Close finds every packet
// free, so no later reservation can succeed against the unmapped arena.
const poolSealed int64 = 1 << 62

// Close unmaps the arena once every packet is back. Packets still in flight
// are reported as a leak warning and the arena stays mapped, since some may
// legitimately remain posted to a device or held by a caller.
func (p *PacketPool) Close() error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	capacity := int64(len(p.packets))
	if !p.available.CompareAndSwap(capacity, capacity-poolSealed) {
		out := capacity - p.available.Load()
		p.logger.Warnf("lci: packet pool closed with %d of %d packets outstanding; arena left mapped", out, capacity)
		return nil
	}
	if p.unmap == nil {
		return nil
	}
	if err := p.unmap(); err != nil {
		return fmt.Errorf("unmap packet arena: %w", err)
	}
	return nil
}
