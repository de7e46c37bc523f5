// Package persist keeps a bus connection alive: on disconnect it
// re-dials with exponential backoff, reissues method calls queued while
// down, and drops signals.  The wrapper mirrors enough of the bus.Conn
// surface that proxies work against either.
package persist

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mdavidsaver/dbucket/auth"
	"github.com/mdavidsaver/dbucket/bus"
	"github.com/mdavidsaver/dbucket/metrics"
)

const (
	initialRetry = 100 * time.Millisecond
	maxRetry     = 15 * time.Second
	retryFactor  = 1.5
)

// queuedCall is a method call accepted while disconnected, reissued in
// FIFO order after the next successful connect.
type queuedCall struct {
	msg  bus.CallMsg
	done chan struct{}
	body any
	err  error
}

func (qc *queuedCall) finish(body any, err error) {
	qc.body, qc.err = body, err
	close(qc.done)
}

// Conn is a self-reconnecting bus connection.
type Conn struct {
	endpoints func() []auth.Endpoint

	mu        sync.Mutex
	conn      *bus.Conn
	callQ     []*queuedCall
	connected chan struct{} // closed while a connection is up; replaced on loss
	closed    bool

	closeCh  chan struct{}
	loopDone chan struct{}
}

// New starts the reconnect worker.  endpoints is consulted on every
// attempt, so address discovery reruns after each disconnect.
func New(endpoints func() []auth.Endpoint) *Conn {
	p := &Conn{
		endpoints: endpoints,
		connected: make(chan struct{}),
		closeCh:   make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Conn) loop() {
	defer close(p.loopDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.closeCh
		cancel()
	}()

	retry := initialRetry
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		conn, err := bus.Connect(ctx, p.endpoints())
		if err != nil {
			metrics.ReconnectTotal.WithLabelValues("error").Inc()
			log.Println("bus (re)connect failed:", err)
			if !p.sleep(retry) {
				return
			}
			if retry = time.Duration(float64(retry) * retryFactor); retry > maxRetry {
				retry = maxRetry
			}
			continue
		}
		metrics.ReconnectTotal.WithLabelValues("ok").Inc()
		retry = initialRetry

		p.mu.Lock()
		p.conn = conn
		queued := p.callQ
		p.callQ = nil
		close(p.connected)
		p.mu.Unlock()

		// Reissue in FIFO order.  CallAsync preserves the write order;
		// completions are collected concurrently.
		for _, qc := range queued {
			call, err := conn.CallAsync(qc.msg)
			if err != nil {
				qc.finish(nil, err)
				continue
			}
			go func(qc *queuedCall, call *bus.Call) {
				<-call.Done()
				qc.finish(call.Result())
			}(qc, call)
		}

		select {
		case <-conn.Lost():
		case <-p.closeCh:
		}

		p.mu.Lock()
		p.conn = nil
		p.connected = make(chan struct{})
		p.mu.Unlock()
		conn.Close()

		select {
		case <-p.closeCh:
			return
		default:
		}
		if !p.sleep(retry) {
			return
		}
	}
}

// sleep waits d or until close; reports false on close.
func (p *Conn) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.closeCh:
		return false
	}
}

// Call behaves like bus.Conn.Call while connected.  While disconnected
// the call is queued and completes after it has been reissued on the
// next connection; cancelling ctx abandons the queued entry.
func (p *Conn) Call(ctx context.Context, msg bus.CallMsg) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, bus.ErrConnectionClosed
	}
	if conn := p.conn; conn != nil {
		p.mu.Unlock()
		return conn.Call(ctx, msg)
	}
	qc := &queuedCall{msg: msg, done: make(chan struct{})}
	p.callQ = append(p.callQ, qc)
	p.mu.Unlock()

	select {
	case <-qc.done:
		return qc.body, qc.err
	case <-ctx.Done():
		p.unqueue(qc)
		return nil, ctx.Err()
	}
}

func (p *Conn) unqueue(qc *queuedCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, have := range p.callQ {
		if have == qc {
			p.callQ = append(p.callQ[:i], p.callQ[i+1:]...)
			return
		}
	}
}

// Signal emits when connected and is silently dropped while down.
func (p *Conn) Signal(msg bus.SignalMsg) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Signal(msg)
}

// Subscribe opens a subscriber queue on the current connection.
// Registrations do not survive a reconnect; callers watching Lost-style
// state should resubscribe after WaitConnected.
func (p *Conn) Subscribe(ctx context.Context, cond *bus.Condition, depth int) (*bus.Queue, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, bus.ErrConnectionClosed
	}
	return conn.Subscribe(ctx, cond, depth)
}

// Name returns the unique name while connected, "" otherwise.
func (p *Conn) Name() string {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.Name()
}

// Running reports whether a live connection is up right now.
func (p *Conn) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.closed
}

// WaitConnected blocks until a connection is up, the wrapper is closed,
// or ctx expires.
func (p *Conn) WaitConnected(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return bus.ErrConnectionClosed
	}
	connected := p.connected
	p.mu.Unlock()
	select {
	case <-connected:
		return nil
	case <-p.closeCh:
		return bus.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops reconnecting, fails queued calls, closes the live
// connection if any, and returns once the worker exits.  Idempotent.
func (p *Conn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.loopDone
		return nil
	}
	p.closed = true
	queued := p.callQ
	p.callQ = nil
	p.mu.Unlock()

	close(p.closeCh)
	for _, qc := range queued {
		qc.finish(nil, bus.ErrConnectionClosed)
	}
	<-p.loopDone
	return nil
}
