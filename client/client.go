package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/lci-go/lci"
	"github.com/rocketbitz/lci-go/loopback"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("lci client: closed")

// Config controls Dial behaviour for the high-level Client.
type Config struct {
	// Device carries the client's traffic. Nil selects a single-rank loopback
	// fabric, useful for tests and examples.
	Device   lci.Device
	Runtime  lci.Config
	Endpoint lci.EndpointConfig
	// Peer and Tag are the defaults used by Send, Receive and their async forms.
	Peer int
	Tag  lci.Tag
	// Timeout bounds blocking calls whose context carries no deadline.
	Timeout time.Duration
	// ProgressWorkers is the number of dispatcher goroutines driving progress.
	// Defaults to 1.
	ProgressWorkers  int
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client wraps a runtime and one endpoint with futures, handlers and a
// background dispatcher.
type Client struct {
	cfg           Config
	rt            *lci.Runtime
	ep            *lci.Endpoint
	completion    *lci.Handler
	peer          atomic.Int64
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stop    context.CancelFunc
	stopped chan struct{}
	span    Span

	pending sync.Map // *operation -> struct{}

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

type errorHolder struct {
	err error
}

const (
	OperationSend OperationKind = iota
	OperationReceive
	OperationPut
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	case OperationPut:
		return "put"
	default:
		return "operation"
	}
}

// OperationError exposes the details of a failed completion.
type OperationError struct {
	Kind   OperationKind
	Rank   int
	Tag    lci.Tag
	Length int
	Err    error
}

// SendCompletion describes the outcome of a send operation dispatched through a handler.
type SendCompletion struct {
	Size int
	Peer int
	Tag  lci.Tag
	Err  error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	Payload []byte
	Source  int
	Tag     lci.Tag
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
	PutPosted      uint64
	PutCompleted   uint64
	PutErrored     uint64
	Retries        uint64
	Runtime        lci.Stats
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	putPosted     atomic.Uint64
	putCompleted  atomic.Uint64
	putErrored    atomic.Uint64
	retries       atomic.Uint64
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherProgressError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	PutCompleted(attrs map[string]string)
	PutFailed(err error, attrs map[string]string)
}

const (
	labelRank      = "rank"
	labelBackend   = "match_backend"
	labelMatchType = "match_type"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelRank] = fmt.Sprint(c.rt.Rank())
	attrs[labelBackend] = c.cfg.Runtime.Match.Backend.String()
	attrs[labelMatchType] = c.cfg.Endpoint.MatchType.String()
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("lci client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (e OperationError) Error() string {
	return fmt.Sprintf("lci %s completion error (rank=%d tag=%d len=%d): %v", e.Kind, e.Rank, e.Tag, e.Length, e.Err)
}

// Unwrap allows errors.Is / errors.As to match against the runtime status.
func (e OperationError) Unwrap() error {
	return e.Err
}

type operationResult struct {
	length int
	rank   int
	tag    lci.Tag
	err    error
}

type operation struct {
	client *Client
	kind   OperationKind
	size   int
	buf    []byte
	done   chan struct{}

	mu        sync.Mutex
	once      sync.Once
	lciOp     *lci.Operation
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(client *Client, kind OperationKind, buf []byte) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   len(buf),
		buf:    buf,
		done:   make(chan struct{}),
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.pending.Delete(op)
			op.client.emit(op, res)
		}

		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

func (op *operation) setRuntimeOp(o *lci.Operation) {
	op.mu.Lock()
	op.lciOp = o
	op.mu.Unlock()
}

func (op *operation) runtimeOp() *lci.Operation {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.lciOp
}

func (op *operation) await(ctx context.Context) (operationResult, error) {
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-op.done:
			res := op.resultSnapshot()
			return res, res.err
		default:
		}
		return operationResult{}, ctx.Err()
	case <-op.done:
		res := op.resultSnapshot()
		return res, res.err
	}
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("lci client: nil send future")
	}
	_, err := f.op.await(ctx)
	return err
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// PutFuture tracks the local completion of a one-sided write.
type PutFuture struct {
	op *operation
}

// Await blocks until the write has been performed or the context is cancelled.
func (f *PutFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("lci client: nil put future")
	}
	_, err := f.op.await(ctx)
	return err
}

// Done exposes a channel that closes when the put resolves.
func (f *PutFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the put resolves.
func (f *PutFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op *operation
}

// Await blocks until the receive resolves or the context is cancelled.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("lci client: nil receive future")
	}
	res, err := f.op.await(ctx)
	return res.length, err
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.buf
}

// Source returns the rank that produced the data, or -1 before completion.
func (f *ReceiveFuture) Source() int {
	if f == nil || f.op == nil {
		return -1
	}
	select {
	case <-f.op.done:
		return f.op.resultSnapshot().rank
	default:
		return -1
	}
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Cancel withdraws the receive if no sender has matched it yet. The future
// then resolves with lci.ErrCanceled.
func (f *ReceiveFuture) Cancel() error {
	if f == nil || f.op == nil {
		return errors.New("lci client: nil receive future")
	}
	o := f.op.runtimeOp()
	if o == nil {
		return errors.New("lci client: receive not posted")
	}
	return o.Cancel()
}

// Dial builds a runtime over cfg.Device and starts the dispatcher.
func Dial(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ProgressWorkers <= 0 {
		cfg.ProgressWorkers = 1
	}
	if cfg.Runtime.Logger == nil {
		if logger, ok := cfg.Logger.(lci.Logger); ok {
			cfg.Runtime.Logger = logger
		}
	}

	dev := cfg.Device
	if dev == nil {
		fabric, err := loopback.NewFabric(loopback.FabricConfig{Ranks: 1, Logger: cfg.Runtime.Logger})
		if err != nil {
			return nil, fmt.Errorf("open loopback fabric: %w", err)
		}
		local, err := fabric.Device(0)
		if err != nil {
			return nil, fmt.Errorf("open loopback device: %w", err)
		}
		dev = local
	}

	rt, err := lci.NewRuntime(dev, cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	ep, err := rt.NewEndpoint(cfg.Endpoint)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	if cfg.Peer < 0 || cfg.Peer >= rt.Size() {
		_ = rt.Close()
		return nil, fmt.Errorf("%w: default peer %d outside [0,%d)", lci.ErrInvalidArgument, cfg.Peer, rt.Size())
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	client := &Client{
		cfg:              cfg,
		rt:               rt,
		ep:               ep,
		stopped:          make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	client.peer.Store(int64(cfg.Peer))
	client.completion = lci.NewHandler(client.onCompletion)

	ctx, cancel := context.WithCancel(context.Background())
	client.stop = cancel
	client.span = client.startDispatcherSpan()
	go client.dispatch(ctx)

	return client, nil
}

// Close stops the dispatcher and releases the runtime. Operations still in
// flight resolve with ErrClosed.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.stop()
	<-c.stopped

	c.pending.Range(func(key, _ any) bool {
		op := key.(*operation)
		if op.kind == OperationReceive {
			if o := op.runtimeOp(); o != nil {
				_ = o.Cancel()
			}
		}
		return true
	})
	err := c.rt.Close()
	c.pending.Range(func(key, _ any) bool {
		key.(*operation).complete(operationResult{err: ErrClosed})
		return true
	})

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()
	return err
}

// Runtime returns the underlying runtime.
func (c *Client) Runtime() *lci.Runtime {
	return c.rt
}

// Endpoint returns the endpoint carrying the client's traffic.
func (c *Client) Endpoint() *lci.Endpoint {
	return c.ep
}

// Rank returns the local rank.
func (c *Client) Rank() int {
	return c.rt.Rank()
}

// SetDefaultPeer updates the destination used by Send and Receive.
func (c *Client) SetDefaultPeer(rank int) error {
	if rank < 0 || rank >= c.rt.Size() {
		return fmt.Errorf("%w: peer %d outside [0,%d)", lci.ErrInvalidArgument, rank, c.rt.Size())
	}
	c.peer.Store(int64(rank))
	return nil
}

// DefaultPeer returns the rank used by Send and Receive.
func (c *Client) DefaultPeer() int {
	return int(c.peer.Load())
}

// Send posts a blocking send to the default peer and tag using the configured
// timeout when the supplied context lacks a deadline.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.SendTo(ctx, c.DefaultPeer(), c.cfg.Tag, payload)
}

// SendTo posts a blocking send to peer and tag, retrying while the runtime
// pushes back.
func (c *Client) SendTo(ctx context.Context, peer int, tag lci.Tag, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	var future *SendFuture
	err := c.postWithRetry(ctx, func() error {
		var err error
		future, err = c.SendToAsync(peer, tag, payload)
		return err
	})
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send to the default peer and tag.
func (c *Client) SendAsync(payload []byte) (*SendFuture, error) {
	return c.SendToAsync(c.DefaultPeer(), c.cfg.Tag, payload)
}

// SendToAsync posts a send and returns a future that resolves on completion.
// An error wrapping lci.ErrRetry means nothing was posted.
func (c *Client) SendToAsync(peer int, tag lci.Tag, payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}
	op := newOperation(c, OperationSend, payload)
	c.pending.Store(op, struct{}{})
	o, err := c.ep.Send(peer, tag, payload, c.completion, op)
	if err != nil {
		c.pending.Delete(op)
		return nil, err
	}
	op.setRuntimeOp(o)
	c.stats.sendPosted.Add(1)
	return &SendFuture{op: op}, nil
}

// Receive posts a blocking receive from the default peer and tag.
func (c *Client) Receive(ctx context.Context, buf []byte) (int, error) {
	n, _, err := c.ReceiveFrom(ctx, buf)
	return n, err
}

// ReceiveFrom is Receive that also reports the sending rank.
func (c *Client) ReceiveFrom(ctx context.Context, buf []byte) (int, int, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	var future *ReceiveFuture
	err := c.postWithRetry(ctx, func() error {
		var err error
		future, err = c.ReceiveAsync(buf)
		return err
	})
	if err != nil {
		return 0, -1, err
	}
	n, err := future.Await(ctx)
	if err != nil && errors.Is(err, ctx.Err()) {
		if cerr := future.Cancel(); cerr == nil {
			return 0, -1, err
		}
		// Already matched; the data is on its way.
		n, err = future.Await(context.Background())
	}
	return n, future.Source(), err
}

// ReceiveAsync posts a receive from the default peer and tag.
func (c *Client) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	return c.ReceiveFromAsync(c.DefaultPeer(), c.cfg.Tag, buf)
}

// ReceiveFromAsync posts a receive for tag from peer. peer may be lci.AnyRank
// when the endpoint or match backend supports wildcards.
func (c *Client) ReceiveFromAsync(peer int, tag lci.Tag, buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}
	op := newOperation(c, OperationReceive, buf)
	c.pending.Store(op, struct{}{})
	o, err := c.ep.Receive(peer, tag, buf, c.completion, op)
	if err != nil {
		c.pending.Delete(op)
		return nil, err
	}
	op.setRuntimeOp(o)
	c.stats.recvPosted.Add(1)
	return &ReceiveFuture{op: op}, nil
}

// Put writes local into peer memory at remote and blocks until the write is done.
func (c *Client) Put(ctx context.Context, peer int, local []byte, remote lci.RemoteAddr) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	var future *PutFuture
	err := c.postWithRetry(ctx, func() error {
		var err error
		future, err = c.PutAsync(peer, local, remote)
		return err
	})
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// PutAsync starts a one-sided write of local into peer memory at remote.
func (c *Client) PutAsync(peer int, local []byte, remote lci.RemoteAddr) (*PutFuture, error) {
	return c.putAsync(peer, local, remote, 0, false)
}

// PutSignalAsync is PutAsync that also signals the peer endpoint's default
// completion with tag.
func (c *Client) PutSignalAsync(peer int, local []byte, remote lci.RemoteAddr, tag lci.Tag) (*PutFuture, error) {
	return c.putAsync(peer, local, remote, tag, true)
}

func (c *Client) putAsync(peer int, local []byte, remote lci.RemoteAddr, tag lci.Tag, signal bool) (*PutFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}
	op := newOperation(c, OperationPut, local)
	c.pending.Store(op, struct{}{})
	var (
		o   *lci.Operation
		err error
	)
	if signal {
		o, err = c.ep.PutSignal(peer, local, remote, tag, c.completion, op)
	} else {
		o, err = c.ep.Put(peer, local, remote, c.completion, op)
	}
	if err != nil {
		c.pending.Delete(op)
		return nil, err
	}
	op.setRuntimeOp(o)
	c.stats.putPosted.Add(1)
	return &PutFuture{op: op}, nil
}

// PutMessageAsync delivers payload to the Default completion of the peer's
// endpoint with tag. The peer needs no registered region or posted receive.
func (c *Client) PutMessageAsync(peer int, tag lci.Tag, payload []byte) (*PutFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}
	op := newOperation(c, OperationPut, payload)
	c.pending.Store(op, struct{}{})
	o, err := c.ep.PutMessage(peer, tag, payload, c.completion, op)
	if err != nil {
		c.pending.Delete(op)
		return nil, err
	}
	op.setRuntimeOp(o)
	c.stats.putPosted.Add(1)
	return &PutFuture{op: op}, nil
}

// PutMessage is PutMessageAsync that blocks until the payload has left, retrying
// while the runtime pushes back.
func (c *Client) PutMessage(ctx context.Context, peer int, tag lci.Tag, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	var future *PutFuture
	err := c.postWithRetry(ctx, func() error {
		var err error
		future, err = c.PutMessageAsync(peer, tag, payload)
		return err
	})
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// RegisterMemory exposes buf as a put target for peers.
func (c *Client) RegisterMemory(buf []byte) (lci.Region, error) {
	if err := c.ensureOpen(); err != nil {
		return lci.Region{}, err
	}
	return c.rt.RegisterMemory(buf)
}

// DeregisterMemory withdraws a region returned by RegisterMemory.
func (c *Client) DeregisterMemory(r lci.Region) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.rt.DeregisterMemory(r)
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if err := c.dispatcherError(); err != nil {
		return fmt.Errorf("lci client dispatcher failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:     c.stats.sendPosted.Load(),
		SendCompleted:  c.stats.sendCompleted.Load(),
		SendErrored:    c.stats.sendErrored.Load(),
		ReceivePosted:  c.stats.recvPosted.Load(),
		ReceiveMatched: c.stats.recvMatched.Load(),
		ReceiveErrored: c.stats.recvErrored.Load(),
		PutPosted:      c.stats.putPosted.Load(),
		PutCompleted:   c.stats.putCompleted.Load(),
		PutErrored:     c.stats.putErrored.Load(),
		Retries:        c.stats.retries.Load(),
		Runtime:        c.rt.Stats(),
	}
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}

// postWithRetry calls post until it stops reporting lci.ErrRetry or ctx ends.
func (c *Client) postWithRetry(ctx context.Context, post func() error) error {
	backoff := 10 * time.Microsecond
	for {
		err := post()
		if err == nil || !lci.IsRetry(err) {
			return err
		}
		c.stats.retries.Add(1)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), err)
		case <-time.After(backoff):
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

// dispatch runs the progress workers until ctx is cancelled.
func (c *Client) dispatch(ctx context.Context) {
	defer close(c.stopped)

	span := c.span
	startFields := []logField{
		logKV("rank", c.rt.Rank()),
		logKV("workers", c.cfg.ProgressWorkers),
		logKV("runtime", c.rt.ID()),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)

	defer func() {
		err := c.dispatcherError()
		status := "ok"
		fields := []logField{logKV("status", status)}
		if err != nil {
			status = "error"
			fields[0] = logKV("status", status)
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		c.finishDispatcherSpan(span, err)
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.ProgressWorkers; i++ {
		worker := i
		g.Go(func() error {
			c.progressLoop(ctx, worker)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) progressLoop(ctx context.Context, worker int) {
	backoff := time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed, err := c.rt.Progress()
		if err != nil {
			if errors.Is(err, lci.ErrClosed) {
				return
			}
			kind := "progress_error"
			if lci.IsProtocolViolation(err) {
				kind = "protocol_violation"
			}
			c.recordDispatcherFailure(kind, fmt.Errorf("progress: %w", err), logKV("worker", worker))
			c.recordDispatcherError(err)
		}
		if progressed {
			backoff = time.Millisecond
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

// onCompletion receives every runtime completion of the client's operations.
func (c *Client) onCompletion(req lci.Request) {
	op, ok := req.UserContext.(*operation)
	if !ok || op == nil {
		return
	}
	result := operationResult{length: req.Length, rank: req.Rank, tag: req.Tag}
	if req.Status != nil {
		result.err = OperationError{
			Kind:   op.kind,
			Rank:   req.Rank,
			Tag:    req.Tag,
			Length: req.Length,
			Err:    req.Status,
		}
	}
	c.logOperationCompletion(op, result)
	op.complete(result)
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		completion := SendCompletion{Size: res.length, Peer: res.rank, Tag: res.tag, Err: res.err}
		for _, handler := range handlers {
			go handler(completion)
		}
	case OperationReceive:
		if res.err != nil {
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		} else {
			c.stats.recvMatched.Add(1)
			c.logf("client: receive completed size=%d source=%d", res.length, res.rank)
		}
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		for _, handler := range handlers {
			var payload []byte
			if res.length > 0 && res.length <= len(op.buf) {
				payload = append([]byte(nil), op.buf[:res.length]...)
			}
			go handler(ReceiveCompletion{Payload: payload, Source: res.rank, Tag: res.tag, Err: res.err})
		}
	case OperationPut:
		if res.err != nil {
			c.stats.putErrored.Add(1)
			c.logf("client: put errored: %v", res.err)
		} else {
			c.stats.putCompleted.Add(1)
		}
	}
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Client) dispatcherError() error {
	if c == nil {
		return nil
	}
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "lci-client"},
		{Key: "rank", Value: c.rt.Rank()},
		{Key: "size", Value: c.rt.Size()},
		{Key: "match_backend", Value: c.cfg.Runtime.Match.Backend.String()},
	}
	return c.tracer.StartSpan("lci-client-dispatcher", attrs...)
}

func (c *Client) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (c *Client) recordDispatcherFailure(event string, err error, extra ...logField) {
	if err == nil {
		return
	}
	fields := append([]logField{logKV("error", err)}, extra...)
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(c.span, event, fields...)
	spanRecordError(c.span, err)
	c.metricDispatcherProgressError(event, err, fields...)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult) {
	if c == nil || op == nil {
		return
	}
	status := "ok"
	if res.err != nil {
		status = "error"
	}
	eventName := "completion"
	if status != "ok" {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV("operation", op.kind.String()),
		logKV("status", status),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if op.kind != OperationPut {
		fields = append(fields, logKV("peer", res.rank), logKV("tag", res.tag))
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(c.span, eventName, fields...)
	if res.err != nil {
		spanRecordError(c.span, res.err)
	}
	metricFields := fields[:2]
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metricSendFailed(res.err, metricFields...)
		} else {
			c.metricSendCompleted(metricFields...)
		}
	case OperationReceive:
		if res.err != nil {
			c.metricReceiveFailed(res.err, metricFields...)
		} else {
			c.metricReceiveCompleted(metricFields...)
		}
	case OperationPut:
		if res.err != nil {
			c.metricPutFailed(res.err, metricFields...)
		} else {
			c.metricPutCompleted(metricFields...)
		}
	}
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
