package lci

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Config configures NewRuntime. Zero values select defaults.
type Config struct {
	Pool  PoolConfig
	Match MatchConfig
	// EagerThreshold is the largest message sent without a handshake.
	// Defaults to, and is capped at, the packet payload size.
	EagerThreshold int
	// MaxPostedRecvs bounds the packets kept posted to the device for
	// incoming sends. Defaults to a quarter of the pool, at most 64.
	MaxPostedRecvs int
	// MaxPoll bounds completions drained per Progress call. Defaults to 32.
	MaxPoll int
	// ArchiveSize bounds in-flight rendezvous and put operations. Defaults to 4096.
	ArchiveSize int
	Logger      Logger
}

// Stats summarises runtime activity.
type Stats struct {
	Sends         uint64
	Receives      uint64
	Puts          uint64
	Eager         uint64
	Rendezvous    uint64
	Retries       uint64
	Backlogged    uint64
	Expected      uint64
	Unexpected    uint64
	Completions   uint64
	ProgressCalls uint64
	Pending       int
	Archived      int
	Pool          PoolStats
}

type runtimeStats struct {
	sends         atomic.Uint64
	receives      atomic.Uint64
	puts          atomic.Uint64
	eager         atomic.Uint64
	rendezvous    atomic.Uint64
	retries       atomic.Uint64
	backlogged    atomic.Uint64
	expected      atomic.Uint64
	unexpected    atomic.Uint64
	completions   atomic.Uint64
	progressCalls atomic.Uint64
}

// Runtime owns the packet pool, match table and protocol state for one device.
// Independent runtimes share nothing.
type Runtime struct {
	id     uuid.UUID
	dev    Device
	cfg    Config
	logger Logger

	pool    *PacketPool
	table   MatchTable
	archive *archive
	backlog *backlog
	arena   Region

	endpointsMu sync.RWMutex
	endpoints   []*Endpoint

	postedRecvs atomic.Int64
	pollBufs    sync.Pool

	// progressMu is held shared by Progress and exclusively by Close, so
	// teardown never overlaps a drain.
	progressMu sync.RWMutex
	stats      runtimeStats
	closed     atomic.Bool
}

const (
	defaultMaxPoll     = 32
	defaultArchiveSize = 4096
	maxDefaultRecvs    = 64
)

// NewRuntime builds a runtime over dev and posts the initial receive packets.
func NewRuntime(dev Device, cfg Config) (*Runtime, error) {
	if dev == nil {
		return nil, errors.New("lci: nil device")
	}
	if cfg.Pool.Logger == nil {
		cfg.Pool.Logger = cfg.Logger
	}
	pool, err := NewPacketPool(cfg.Pool)
	if err != nil {
		return nil, err
	}
	cfg.Pool = pool.cfg
	payload := pool.PacketSize() - HeaderSize
	if cfg.EagerThreshold <= 0 || cfg.EagerThreshold > payload {
		cfg.EagerThreshold = payload
	}
	if cfg.MaxPostedRecvs <= 0 {
		cfg.MaxPostedRecvs = min(max(pool.Capacity()/4, 1), maxDefaultRecvs)
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = defaultMaxPoll
	}
	if cfg.ArchiveSize == 0 {
		cfg.ArchiveSize = defaultArchiveSize
	}
	table, err := NewMatchTable(cfg.Match)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	arch, err := newArchive(cfg.ArchiveSize)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	arena, err := dev.RegisterMemory(pool.Arena())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("register packet arena: %w", err)
	}

	rt := &Runtime{
		id:      uuid.New(),
		dev:     dev,
		cfg:     cfg,
		logger:  loggerOrNop(cfg.Logger),
		pool:    pool,
		table:   table,
		archive: arch,
		backlog: newBacklog(),
		arena:   arena,
	}
	rt.pollBufs.New = func() any {
		buf := make([]DeviceCompletion, rt.cfg.MaxPoll)
		return &buf
	}
	rt.refill()
	rt.logger.Debugf("lci[%s]: runtime up rank=%d/%d backend=%s eager=%d", rt.id, dev.Rank(), dev.Size(), cfg.Match.Backend, cfg.EagerThreshold)
	return rt, nil
}

// ID returns the runtime instance id used in log lines.
func (rt *Runtime) ID() string {
	return rt.id.String()
}

// Rank returns the local rank.
func (rt *Runtime) Rank() int {
	return rt.dev.Rank()
}

// Size returns the number of ranks.
func (rt *Runtime) Size() int {
	return rt.dev.Size()
}

// EagerThreshold returns the effective eager threshold.
func (rt *Runtime) EagerThreshold() int {
	return rt.cfg.EagerThreshold
}

// Pool exposes the runtime's packet pool.
func (rt *Runtime) Pool() *PacketPool {
	return rt.pool
}

// RegisterMemory registers buf so peers can target it with Put.
func (rt *Runtime) RegisterMemory(buf []byte) (Region, error) {
	if rt.closed.Load() {
		return Region{}, ErrClosed
	}
	if len(buf) == 0 {
		return Region{}, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	return rt.dev.RegisterMemory(buf)
}

// DeregisterMemory releases a region obtained from RegisterMemory.
func (rt *Runtime) DeregisterMemory(r Region) error {
	return rt.dev.DeregisterMemory(r)
}

// NewEndpoint creates an endpoint. Endpoint ids are assigned in creation
// order, so peers must create their endpoints in the same order.
func (rt *Runtime) NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if rt.closed.Load() {
		return nil, ErrClosed
	}
	if cfg.MatchType != MatchRankTag && cfg.MatchType != MatchTag {
		return nil, fmt.Errorf("%w: match type %d", ErrInvalidArgument, cfg.MatchType)
	}
	rt.endpointsMu.Lock()
	defer rt.endpointsMu.Unlock()
	if len(rt.endpoints) > MaxEndpointID {
		return nil, fmt.Errorf("%w: endpoint limit %d reached", ErrInvalidArgument, MaxEndpointID+1)
	}
	ep := &Endpoint{
		rt:        rt,
		id:        uint16(len(rt.endpoints)),
		matchType: cfg.MatchType,
		signal:    cfg.Default,
	}
	rt.endpoints = append(rt.endpoints, ep)
	return ep, nil
}

func (rt *Runtime) endpoint(id uint16) (*Endpoint, bool) {
	rt.endpointsMu.RLock()
	defer rt.endpointsMu.RUnlock()
	if int(id) >= len(rt.endpoints) {
		return nil, false
	}
	return rt.endpoints[id], true
}

// Progress replays the backlog, drains up to MaxPoll device completions,
// advances the operations they belong to and reposts receive packets. It
// reports whether any work was done. Errors are protocol violations and
// should be treated as fatal. Progress is safe for concurrent callers.
func (rt *Runtime) Progress() (bool, error) {
	rt.progressMu.RLock()
	defer rt.progressMu.RUnlock()
	if rt.closed.Load() {
		return false, ErrClosed
	}
	rt.stats.progressCalls.Add(1)

	replayed, err := rt.backlog.replay()
	if err != nil {
		return replayed > 0, err
	}

	bufp := rt.pollBufs.Get().(*[]DeviceCompletion)
	comps := *bufp
	n := rt.dev.PollCompletions(comps)
	var firstErr error
	for i := 0; i < n; i++ {
		if err := rt.serve(comps[i]); err != nil && firstErr == nil {
			firstErr = err
		}
		comps[i] = DeviceCompletion{}
	}
	rt.pollBufs.Put(bufp)
	rt.stats.completions.Add(uint64(n))

	posted := rt.refill()
	return replayed > 0 || n > 0 || posted > 0, firstErr
}

// refill keeps MaxPostedRecvs packets posted for incoming sends.
func (rt *Runtime) refill() int {
	posted := 0
	for {
		if rt.postedRecvs.Add(1) > int64(rt.cfg.MaxPostedRecvs) {
			rt.postedRecvs.Add(-1)
			return posted
		}
		pkt, err := rt.pool.Acquire()
		if err != nil {
			rt.postedRecvs.Add(-1)
			return posted
		}
		pkt.posted.Store(true)
		err = rt.dev.PostRecv(RecvRequest{Buf: pkt.Bytes(), Context: makeToken(tokenRecv, uint32(pkt.index))})
		if err != nil {
			pkt.posted.Store(false)
			_ = rt.pool.Release(pkt)
			rt.postedRecvs.Add(-1)
			if !IsRetry(err) {
				rt.logger.Warnf("lci[%s]: post receive packet: %v", rt.id, err)
			}
			return posted
		}
		posted++
	}
}

// Stats returns a snapshot of runtime counters.
func (rt *Runtime) Stats() Stats {
	if rt == nil {
		return Stats{}
	}
	return Stats{
		Sends:         rt.stats.sends.Load(),
		Receives:      rt.stats.receives.Load(),
		Puts:          rt.stats.puts.Load(),
		Eager:         rt.stats.eager.Load(),
		Rendezvous:    rt.stats.rendezvous.Load(),
		Retries:       rt.stats.retries.Load(),
		Backlogged:    rt.stats.backlogged.Load(),
		Expected:      rt.stats.expected.Load(),
		Unexpected:    rt.stats.unexpected.Load(),
		Completions:   rt.stats.completions.Load(),
		ProgressCalls: rt.stats.progressCalls.Load(),
		Pending:       rt.table.Len(),
		Archived:      rt.archive.len(),
		Pool:          rt.pool.Stats(),
	}
}

// Close tears the runtime down. Leftover deposits, archived operations,
// backlog entries and packets still in flight are logged as warnings, since
// teardown may race with completions the device has not delivered yet. Close
// waits for running Progress calls, so it must not be called from a
// completion signaled by Progress.
func (rt *Runtime) Close() error {
	if rt == nil || !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.progressMu.Lock()
	defer rt.progressMu.Unlock()
	if n := rt.table.Len(); n > 0 {
		rt.logger.Warnf("lci[%s]: match table holds %d unmatched entries at close", rt.id, n)
	}
	if n := rt.archive.len(); n > 0 {
		rt.logger.Warnf("lci[%s]: %d operations still archived at close", rt.id, n)
	}
	if n := rt.backlog.len(); n > 0 {
		rt.logger.Warnf("lci[%s]: backlog holds %d unposted requests at close", rt.id, n)
	}
	var errs []error
	if err := rt.dev.DeregisterMemory(rt.arena); err != nil {
		errs = append(errs, fmt.Errorf("deregister packet arena: %w", err))
	}
	// The device dropped the receive packets posted inside the arena.
	for i := range rt.pool.packets {
		pkt := &rt.pool.packets[i]
		if pkt.posted.CompareAndSwap(true, false) {
			_ = rt.pool.Release(pkt)
		}
	}
	rt.postedRecvs.Store(0)
	if err := rt.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	rt.logger.Debugf("lci[%s]: runtime closed", rt.id)
	return errors.Join(errs...)
}

func (rt *Runtime) countRetry(err error) error {
	if err != nil && IsRetry(err) {
		rt.stats.retries.Add(1)
	}
	return err
}
