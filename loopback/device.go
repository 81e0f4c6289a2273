package loopback

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/rocketbitz/lci-go/lci"
)

var _ lci.Device = (*Device)(nil)

// Device is one rank of a Fabric.
type Device struct {
	fabric *Fabric
	rank   int

	mu sync.Mutex
	// recvs holds posted lci.RecvRequest values, oldest first.
	recvs *queue.Queue
	// inbox holds messages that arrived before a receive was posted.
	inbox *queue.Queue
	// comps holds lci.DeviceCompletion values awaiting PollCompletions.
	comps *queue.Queue
	// local counts unpolled send and write completions.
	local int
}

type message struct {
	src  int
	data []byte
}

func (d *Device) Rank() int { return d.rank }

func (d *Device) Size() int { return len(d.fabric.devices) }

func (d *Device) peer(rank int) (*Device, error) {
	if rank < 0 || rank >= len(d.fabric.devices) {
		return nil, fmt.Errorf("%w: rank %d outside [0,%d)", lci.ErrInvalidArgument, rank, len(d.fabric.devices))
	}
	return d.fabric.devices[rank], nil
}

// reserve claims room for one local completion.
func (d *Device) reserve() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.local >= d.fabric.cfg.SendDepth {
		return lci.ErrDeviceBusy
	}
	d.local++
	return nil
}

func (d *Device) unreserve() {
	d.mu.Lock()
	d.local--
	d.mu.Unlock()
}

func (d *Device) complete(c lci.DeviceCompletion) {
	d.mu.Lock()
	d.comps.Add(c)
	d.mu.Unlock()
}

// PostSend copies req.Buf into the next posted receive of the target rank.
func (d *Device) PostSend(req lci.SendRequest) error {
	target, err := d.peer(req.Rank)
	if err != nil {
		return err
	}
	if err := d.reserve(); err != nil {
		return err
	}
	data := append([]byte(nil), req.Buf...)
	target.deliver(message{src: d.rank, data: data})
	d.complete(lci.DeviceCompletion{Opcode: lci.OpSend, Context: req.Context, Rank: req.Rank, Length: len(req.Buf)})
	return nil
}

func (d *Device) deliver(msg message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recvs.Length() == 0 {
		d.inbox.Add(msg)
		return
	}
	d.land(d.recvs.Remove().(lci.RecvRequest), msg)
}

// land copies msg into a posted buffer. Caller holds d.mu.
func (d *Device) land(recv lci.RecvRequest, msg message) {
	n := copy(recv.Buf, msg.data)
	c := lci.DeviceCompletion{Opcode: lci.OpRecv, Context: recv.Context, Rank: msg.src, Length: n}
	if n < len(msg.data) {
		c.Err = fmt.Errorf("%w: %d byte message in %d byte buffer", lci.ErrTruncated, len(msg.data), len(recv.Buf))
	}
	d.comps.Add(c)
}

// PostRecv posts a buffer for one incoming send.
func (d *Device) PostRecv(req lci.RecvRequest) error {
	if len(req.Buf) == 0 {
		return fmt.Errorf("%w: empty receive buffer", lci.ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inbox.Length() > 0 {
		d.land(req, d.inbox.Remove().(message))
		return nil
	}
	d.recvs.Add(req)
	return nil
}

// PostRDMAWrite copies req.Local into the target's registered region.
func (d *Device) PostRDMAWrite(req lci.WriteRequest) error {
	target, err := d.peer(req.Rank)
	if err != nil {
		return err
	}
	if err := d.reserve(); err != nil {
		return err
	}
	if err := d.fabric.write(req.Rank, req.Remote, req.Local); err != nil {
		d.unreserve()
		return err
	}
	if req.HasImm {
		target.complete(lci.DeviceCompletion{Opcode: lci.OpRemoteWrite, Rank: d.rank, Length: len(req.Local), Imm: req.Imm, HasImm: true})
	}
	d.complete(lci.DeviceCompletion{Opcode: lci.OpWrite, Context: req.Context, Rank: req.Rank, Length: len(req.Local)})
	return nil
}

// PollCompletions drains up to len(dst) completions.
func (d *Device) PollCompletions(dst []lci.DeviceCompletion) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for n < len(dst) && d.comps.Length() > 0 {
		c := d.comps.Remove().(lci.DeviceCompletion)
		if c.Opcode == lci.OpSend || c.Opcode == lci.OpWrite {
			d.local--
		}
		dst[n] = c
		n++
	}
	return n
}

// RegisterMemory makes buf a write target for peers.
func (d *Device) RegisterMemory(buf []byte) (lci.Region, error) {
	if len(buf) == 0 {
		return lci.Region{}, fmt.Errorf("%w: empty region", lci.ErrInvalidArgument)
	}
	return d.fabric.register(d.rank, buf), nil
}

// DeregisterMemory drops a region along with any receive buffers posted
// inside it.
func (d *Device) DeregisterMemory(r lci.Region) error {
	reg, err := d.fabric.deregister(d.rank, r.Key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := queue.New()
	dropped := 0
	for d.recvs.Length() > 0 {
		recv := d.recvs.Remove().(lci.RecvRequest)
		if within(recv.Buf, reg.buf) {
			dropped++
			continue
		}
		kept.Add(recv)
	}
	d.recvs = kept
	if dropped > 0 {
		d.fabric.logf("loopback: rank %d dropped %d posted receives with region %d", d.rank, dropped, r.Key)
	}
	return nil
}

// Pending returns the number of queued completions, posted receives and
// undelivered messages.
func (d *Device) Pending() (completions, recvs, inbox int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.comps.Length(), d.recvs.Length(), d.inbox.Length()
}
