// Package bus multiplexes one authenticated D-Bus stream: it assigns
// serial numbers, correlates replies to outstanding calls, fans signals
// out to subscriber queues, dispatches inbound method calls to exported
// objects, and runs a clean shutdown protocol.
//
// A Conn may be used from any goroutine.  All blocking operations take
// a context; per-call timeouts are the caller's business.
package bus

import (
	"context"
	"net"
	"sync"

	"github.com/mdavidsaver/dbucket/auth"
	"github.com/mdavidsaver/dbucket/export"
	"github.com/mdavidsaver/dbucket/metrics"
)

const (
	// BusName is the bus daemon's well-known name and interface.
	BusName = "org.freedesktop.DBus"
	// BusPath is the daemon's object path.
	BusPath = "/org/freedesktop/DBus"
)

// Conn is one connection to a message bus.
type Conn struct {
	sock net.Conn
	info *auth.Info

	// wmu serializes whole-message writes so concurrent senders
	// interleave only as complete messages.
	wmu sync.Mutex

	mu      sync.Mutex
	running bool
	nextSN  uint32
	pending map[uint32]*Call
	queues  []*Queue
	name    string
	names   map[string]struct{}

	matches *matchRegistry
	exports *export.Table

	busQ       *Queue
	recvDone   chan struct{}
	workerDone chan struct{}
	lost       chan struct{}
	closeDone  chan struct{}
}

// Connect dials the endpoints in order, authenticates, and performs the
// Hello exchange that assigns the connection its unique name.
func Connect(ctx context.Context, endpoints []auth.Endpoint) (*Conn, error) {
	sock, info, err := auth.Dial(ctx, endpoints, nil)
	if err != nil {
		return nil, err
	}
	c := New(sock, info)
	if err := c.hello(ctx); err != nil {
		c.Close()
		return nil, err
	}
	metrics.ConnectTotal.WithLabelValues(info.Mechanism).Inc()
	return c, nil
}

// SessionBus connects to the user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	return Connect(ctx, auth.SessionEndpoints())
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Connect(ctx, auth.SystemEndpoints())
}

// New wraps an already authenticated stream.  The connection takes
// ownership of sock and starts its receive loop immediately; most
// callers want Connect instead.
func New(sock net.Conn, info *auth.Info) *Conn {
	c := &Conn{
		sock:       sock,
		info:       info,
		running:    true,
		nextSN:     1,
		pending:    make(map[uint32]*Call),
		names:      make(map[string]struct{}),
		recvDone:   make(chan struct{}),
		workerDone: make(chan struct{}),
		lost:       make(chan struct{}),
		closeDone:  make(chan struct{}),
	}
	c.matches = newMatchRegistry(c)
	c.exports = export.NewTable()

	// Signals from the daemon itself arrive without an AddMatch.  They
	// feed the worker that tracks this connection's bus names.
	c.busQ = newQueue(c, 20)
	c.busQ.conds = []*Condition{{Sender: BusName, Path: BusPath, Interface: BusName, local: true}}
	c.queues = append(c.queues, c.busQ)

	go c.recvLoop()
	go c.nameWorker()
	return c
}

// serial returns the next outbound serial: nonzero, wrapping modulo
// 2^32 and skipping zero.
func (c *Conn) serial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serialLocked()
}

func (c *Conn) serialLocked() uint32 {
	sn := c.nextSN
	c.nextSN++
	if c.nextSN == 0 {
		c.nextSN = 1
	}
	return sn
}

// Name returns the daemon-assigned unique name, once Hello completed.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Names returns all bus names currently held, the unique name included.
func (c *Conn) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	return out
}

// Running reports whether the connection can still carry traffic.
func (c *Conn) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Info reports how the connection was established.
func (c *Conn) Info() *auth.Info {
	return c.info
}

// Lost returns a channel closed when the connection terminates, whether
// by local Close or remote EOF.
func (c *Conn) Lost() <-chan struct{} {
	return c.lost
}

// NewQueue registers a new subscriber queue of the given depth
// (DefaultQueueDepth when depth <= 0).  Conditions are attached with
// Queue.Add.
func (c *Conn) NewQueue(depth int) (*Queue, error) {
	q := newQueue(c, depth)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, ErrConnectionClosed
	}
	c.queues = append(c.queues, q)
	return q, nil
}

// Subscribe is the common one-shot form: a new queue with a single
// condition already registered with the daemon.
func (c *Conn) Subscribe(ctx context.Context, cond *Condition, depth int) (*Queue, error) {
	q, err := c.NewQueue(depth)
	if err != nil {
		return nil, err
	}
	if err := q.Add(ctx, cond); err != nil {
		q.Close(ctx)
		return nil, err
	}
	return q, nil
}

func (c *Conn) dropQueue(q *Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.queues {
		if have == q {
			c.queues = append(c.queues[:i], c.queues[i+1:]...)
			return
		}
	}
}

// Attach exports obj at path.  Inbound calls below path are answered
// from obj's method table; Introspect is answered from the generated
// document.
func (c *Conn) Attach(path string, obj *export.Object) error {
	return c.exports.Attach(path, obj)
}

// Detach withdraws the object exported at path.
func (c *Conn) Detach(path string) error {
	return c.exports.Detach(path)
}

// Close shuts the connection down: the writer is closed, the receive
// loop stops, pending calls fail with ErrNoReply, every subscriber
// queue is handed the Done sentinel (waiting for room if full), the
// daemon-signal worker is joined, and Lost resolves.  Close is
// idempotent; the second call returns once the first completes.
func (c *Conn) Close() error {
	c.teardown()
	<-c.closeDone
	// recvDone is not closed until the receive loop has really
	// returned; teardown only kicked it by closing the socket.
	<-c.recvDone
	return nil
}

// teardown runs the shutdown protocol exactly once.  It is called by
// Close and, on EOF or a fatal framing error, by the receive loop
// itself, which must not wait for its own return.
func (c *Conn) teardown() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	pend := c.pending
	c.pending = make(map[uint32]*Call)
	queues := append([]*Queue(nil), c.queues...)
	c.queues = nil
	c.mu.Unlock()

	// Closing the socket stops the writer and unblocks the receive
	// loop.
	c.sock.Close()

	for _, call := range pend {
		call.resolve(nil, ErrNoReply)
		metrics.PendingCalls.Dec()
	}
	for _, q := range queues {
		q.shutdown()
	}
	// The worker exits after taking the Done sentinel from the daemon
	// queue delivered just above.
	<-c.workerDone
	close(c.lost)
	close(c.closeDone)
}

// hello issues the mandatory post-auth Hello and records the unique
// name the daemon assigned.  Called once by Connect.
func (c *Conn) hello(ctx context.Context) error {
	ret, err := c.Call(ctx, CallMsg{
		Destination: BusName, Path: BusPath, Interface: BusName, Member: "Hello",
	})
	if err != nil {
		return err
	}
	name, _ := ret.(string)
	c.mu.Lock()
	defer c.mu.Unlock()
	// NameAcquired may have landed first; the daemon sends both.
	c.name = name
	c.names[name] = struct{}{}
	return nil
}

// Introspect renders the introspection document of a locally exported
// path.
func (c *Conn) Introspect(path string) (string, error) {
	return c.exports.Introspect(path)
}
