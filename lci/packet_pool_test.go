package lci

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func newTestPool(t *testing.T, cfg PoolConfig) *PacketPool {
	t.Helper()
	pool, err := NewPacketPool(cfg)
	if err != nil {
		t.Fatalf("NewPacketPool failed: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestPacketPoolAcquireRelease(t *testing.T) {
	pool := newTestPool(t, PoolConfig{PacketSize: 256, Count: 4})

	pkt, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(pkt.Bytes()) != 256 || len(pkt.Payload()) != 256-HeaderSize {
		t.Fatalf("unexpected packet geometry %d/%d", len(pkt.Bytes()), len(pkt.Payload()))
	}
	if stats := pool.Stats(); stats.InUse != 1 || stats.Free != 3 {
		t.Fatalf("unexpected stats after acquire: %+v", stats)
	}
	if err := pkt.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := pool.Release(pkt); !errors.Is(err, ErrDoubleRelease) || !IsProtocolViolation(err) {
		t.Fatalf("expected double release violation, got %v", err)
	}
	if stats := pool.Stats(); stats.InUse != 0 || stats.Free != 4 {
		t.Fatalf("unexpected stats after release: %+v", stats)
	}
}

func TestPacketPoolForeignPacket(t *testing.T) {
	a := newTestPool(t, PoolConfig{PacketSize: 128, Count: 1})
	b := newTestPool(t, PoolConfig{PacketSize: 128, Count: 1})
	pkt, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := b.Release(pkt); !errors.Is(err, ErrForeignPacket) {
		t.Fatalf("expected foreign packet error, got %v", err)
	}
	if err := a.Release(pkt); err != nil {
		t.Fatalf("Release to owner failed: %v", err)
	}
}

func TestPacketPoolLookup(t *testing.T) {
	pool := newTestPool(t, PoolConfig{PacketSize: 200, Count: 8})
	pkts := make([]*Packet, 0, 8)
	for i := 0; i < 8; i++ {
		pkt, err := pool.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		pkts = append(pkts, pkt)
	}
	for _, pkt := range pkts {
		if got, ok := pool.Lookup(pkt.Bytes()); !ok || got != pkt {
			t.Fatalf("Lookup(Bytes) did not recover packet %d", pkt.Index())
		}
		if got, ok := pool.Lookup(pkt.Payload()); !ok || got != pkt {
			t.Fatalf("Lookup(Payload) did not recover packet %d", pkt.Index())
		}
	}
	if _, ok := pool.Lookup(pkts[0].Bytes()[3:]); ok {
		t.Fatalf("Lookup accepted a misaligned address")
	}
	if _, ok := pool.Lookup(make([]byte, 16)); ok {
		t.Fatalf("Lookup accepted memory outside the arena")
	}
	for _, pkt := range pkts {
		_ = pool.Release(pkt)
	}
}

func TestPacketPoolCapacityScenario(t *testing.T) {
	pool := newTestPool(t, PoolConfig{PacketSize: 128, Count: 16, LocalHighWater: 4})

	var (
		ok, retry atomic.Int32
		mu        sync.Mutex
		issued    = make(map[*Packet]struct{})
		g         errgroup.Group
		start     = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			<-start
			pkt, err := pool.Acquire()
			if err != nil {
				if !IsRetry(err) {
					return err
				}
				retry.Add(1)
				return nil
			}
			ok.Add(1)
			mu.Lock()
			defer mu.Unlock()
			if _, dup := issued[pkt]; dup {
				return errors.New("packet issued twice")
			}
			issued[pkt] = struct{}{}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok.Load() != 16 || retry.Load() != 16 {
		t.Fatalf("expected 16 successes and 16 retries, got %d/%d", ok.Load(), retry.Load())
	}
	for pkt := range issued {
		if err := pool.Release(pkt); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}
}

func TestPacketPoolConservation(t *testing.T) {
	pool := newTestPool(t, PoolConfig{PacketSize: 64 + HeaderSize, Count: 64, LocalHighWater: 8})
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			held := make([]*Packet, 0, 16)
			for i := 0; i < 2000; i++ {
				if len(held) > 0 && (rng.Intn(2) == 0 || len(held) == cap(held)) {
					last := held[len(held)-1]
					held = held[:len(held)-1]
					if err := pool.Release(last); err != nil {
						return err
					}
					continue
				}
				pkt, err := pool.Acquire()
				if err != nil {
					if IsRetry(err) {
						continue
					}
					return err
				}
				held = append(held, pkt)
			}
			for _, pkt := range held {
				if err := pool.Release(pkt); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("churn failed: %v", err)
	}
	stats := pool.Stats()
	if stats.Free+stats.InUse != stats.Capacity || stats.Free != 64 {
		t.Fatalf("pool not conserved: %+v", stats)
	}
	if got := pool.countFree(); got != 64 {
		t.Fatalf("expected 64 packets on free lists, found %d", got)
	}
}

func TestPacketPoolStealsFromOtherCaches(t *testing.T) {
	pool := newTestPool(t, PoolConfig{PacketSize: 128, Count: 8, LocalHighWater: 64})
	// Park every packet in one local cache; another cache must steal.
	held := make([]*Packet, 0, 8)
	for i := 0; i < 8; i++ {
		pkt, err := pool.Acquire()
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		held = append(held, pkt)
	}
	lc := pool.local()
	lc.mu.Lock()
	for _, pkt := range held {
		pkt.state.Store(packetFree)
		lc.free = append(lc.free, pkt)
	}
	lc.mu.Unlock()
	pool.available.Add(8)

	before := pool.Stats().Steals
	other := &localCache{}
	pkt := pool.take(other)
	if pkt == nil {
		t.Fatalf("expected steal from sibling cache")
	}
	if got := pool.Stats().Steals - before; got != 1 {
		t.Fatalf("expected one steal, got %d", got)
	}
	if len(other.free) != 3 {
		t.Fatalf("expected thief to keep half minus one, got %d", len(other.free))
	}
}

func TestPacketPoolCloseReportsLeak(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()

	pool, err := NewPacketPool(PoolConfig{PacketSize: 128, Count: 2, Logger: logger})
	if err != nil {
		t.Fatalf("NewPacketPool failed: %v", err)
	}
	pkt, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected a leak warning, got %d entries", logs.Len())
	}
	if _, err := pool.Acquire(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	// The arena stays mapped while a packet is out.
	pkt.Payload()[0] = 0xAB
	if pkt.Payload()[0] != 0xAB {
		t.Fatalf("outstanding packet payload not writable after close")
	}
	if err := pkt.Release(); err != nil {
		t.Fatalf("Release after close failed: %v", err)
	}
}

func TestPacketPoolCloseAllFreeSeals(t *testing.T) {
	pool, err := NewPacketPool(PoolConfig{PacketSize: 128, Count: 4})
	if err != nil {
		t.Fatalf("NewPacketPool failed: %v", err)
	}
	pkt, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := pkt.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if pool.reserve() {
		t.Fatalf("reservation succeeded against a closed pool")
	}
	if s := pool.Stats(); s.Free != 4 || s.InUse != 0 {
		t.Fatalf("unexpected stats after close %+v", s)
	}
}

func TestPacketPoolCorruptFreeListKeepsAccounting(t *testing.T) {
	pool, err := NewPacketPool(PoolConfig{PacketSize: 128, Count: 2})
	if err != nil {
		t.Fatalf("NewPacketPool failed: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	a, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := pool.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// Put the in-use packet back on the shared list as if it were free.
	pool.globalMu.Lock()
	pool.global = append(pool.global, a)
	pool.globalMu.Unlock()
	pool.available.Add(1)

	before := pool.Stats().Free
	if _, err := pool.Acquire(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for an in-use packet on the free list, got %v", err)
	}
	if after := pool.Stats().Free; after != before {
		t.Fatalf("free count drifted from %d to %d", before, after)
	}
}

func TestPacketPoolInvalidConfig(t *testing.T) {
	if _, err := NewPacketPool(PoolConfig{PacketSize: HeaderSize}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for tiny packets, got %v", err)
	}
}

func TestHeaderEncodeDecode(t *testing.T) {
	h := Header{Proto: ProtoRTR, Flags: FlagReject, Endpoint: 7, Tag: 513, SrcRank: 3, Length: 99,
		SendCtx: 11, RecvCtx: 0x7FFFFFFF, RemoteKey: 1 << 40, RemoteOffset: 4096, Size: 1 << 33}
	buf := make([]byte, HeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if got != h {
		t.Fatalf("header mismatch: got %+v want %+v", got, h)
	}
	buf[0] = 0
	if _, err := DecodeHeader(buf); !IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation for unknown proto, got %v", err)
	}
	if err := h.Encode(buf[:HeaderSize-1]); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected short buffer error, got %v", err)
	}
}
