// Package loopback implements lci.Device over an in-process fabric. Each rank
// gets a Device; sends are copied into the target's posted receive buffers in
// FIFO order and writes land directly in registered regions.
package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"

	"github.com/rocketbitz/lci-go/lci"
)

// FabricConfig configures NewFabric.
type FabricConfig struct {
	// Ranks is the number of devices. Defaults to 1.
	Ranks int
	// SendDepth bounds the unpolled local completions (sends and writes) a
	// device accepts before pushing back with lci.ErrDeviceBusy. Defaults to 256.
	SendDepth int
	Logger    lci.Logger
}

// Fabric connects a fixed set of loopback devices.
type Fabric struct {
	cfg     FabricConfig
	devices []*Device

	regionsMu sync.RWMutex
	regions   map[uint64]*region
	nextKey   atomic.Uint64
}

type region struct {
	owner int
	buf   []byte
}

const defaultSendDepth = 256

var errFabricConfig = errors.New("loopback: invalid fabric config")

// NewFabric creates cfg.Ranks connected devices.
func NewFabric(cfg FabricConfig) (*Fabric, error) {
	if cfg.Ranks == 0 {
		cfg.Ranks = 1
	}
	if cfg.Ranks < 0 {
		return nil, fmt.Errorf("%w: %d ranks", errFabricConfig, cfg.Ranks)
	}
	if cfg.SendDepth <= 0 {
		cfg.SendDepth = defaultSendDepth
	}
	f := &Fabric{
		cfg:     cfg,
		regions: make(map[uint64]*region),
	}
	f.devices = make([]*Device, cfg.Ranks)
	for i := range f.devices {
		f.devices[i] = &Device{
			fabric: f,
			rank:   i,
			recvs:  queue.New(),
			inbox:  queue.New(),
			comps:  queue.New(),
		}
	}
	return f, nil
}

// Device returns the device of rank.
func (f *Fabric) Device(rank int) (*Device, error) {
	if rank < 0 || rank >= len(f.devices) {
		return nil, fmt.Errorf("loopback: rank %d outside [0,%d)", rank, len(f.devices))
	}
	return f.devices[rank], nil
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return len(f.devices)
}

func (f *Fabric) logf(format string, args ...any) {
	if f.cfg.Logger != nil {
		f.cfg.Logger.Debugf(format, args...)
	}
}

func (f *Fabric) register(owner int, buf []byte) lci.Region {
	key := f.nextKey.Add(1)
	f.regionsMu.Lock()
	f.regions[key] = &region{owner: owner, buf: buf}
	f.regionsMu.Unlock()
	return lci.Region{Key: key, Len: len(buf)}
}

func (f *Fabric) deregister(owner int, key uint64) (*region, error) {
	f.regionsMu.Lock()
	defer f.regionsMu.Unlock()
	r, ok := f.regions[key]
	if !ok || r.owner != owner {
		return nil, fmt.Errorf("loopback: rank %d does not own region %d", owner, key)
	}
	delete(f.regions, key)
	return r, nil
}

// write copies src into region key at offset on behalf of a peer targeting rank.
func (f *Fabric) write(rank int, addr lci.RemoteAddr, src []byte) error {
	f.regionsMu.RLock()
	defer f.regionsMu.RUnlock()
	r, ok := f.regions[addr.Key]
	if !ok || r.owner != rank {
		return fmt.Errorf("%w: rank %d has no region %d", lci.ErrInvalidArgument, rank, addr.Key)
	}
	if addr.Offset > uint64(len(r.buf)) || uint64(len(src)) > uint64(len(r.buf))-addr.Offset {
		return fmt.Errorf("%w: write of %d bytes at offset %d overruns region of %d", lci.ErrInvalidArgument, len(src), addr.Offset, len(r.buf))
	}
	copy(r.buf[addr.Offset:], src)
	return nil
}

func within(buf, outer []byte) bool {
	if len(buf) == 0 || len(outer) == 0 {
		return false
	}
	b := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	o := uintptr(unsafe.Pointer(unsafe.SliceData(outer)))
	return b >= o && b < o+uintptr(len(outer))
}
