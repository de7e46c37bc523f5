package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mdavidsaver/dbucket/frame"
	"github.com/mdavidsaver/dbucket/metrics"
	"github.com/mdavidsaver/dbucket/wire"
)

// CallMsg describes an outbound method call.  Path and Member are
// required; Signature describes Body when a body is present.
type CallMsg struct {
	Destination string
	Path        string
	Interface   string
	Member      string
	Signature   wire.Signature
	Body        any
}

// SignalMsg describes an outbound signal broadcast.
type SignalMsg struct {
	Path        string
	Interface   string
	Member      string
	Destination string
	Signature   wire.Signature
	Body        any
}

// Call is a pending reply slot.  Every slot installed by CallAsync is
// eventually resolved: with the reply body, a RemoteError, ErrNoReply
// on connection loss, or discarded after Cancel.
type Call struct {
	serial    uint32
	cancelled int32
	done      chan struct{}
	body      any
	err       error
}

// Done is closed when the reply arrived or the connection gave up.
func (call *Call) Done() <-chan struct{} { return call.done }

// Result is valid after Done is closed.
func (call *Call) Result() (any, error) { return call.body, call.err }

// Serial is the wire serial the reply will reference.
func (call *Call) Serial() uint32 { return call.serial }

// Cancel abandons the slot.  A reply that still arrives is discarded
// silently; the slot is dropped from the pending table at that point.
func (call *Call) Cancel() { atomic.StoreInt32(&call.cancelled, 1) }

func (call *Call) resolve(body any, err error) {
	if atomic.LoadInt32(&call.cancelled) != 0 {
		return
	}
	call.body, call.err = body, err
	close(call.done)
}

// endianFlag is the prefix byte matching the codec's default order.
func endianFlag() byte {
	if wire.HostOrder == binary.ByteOrder(binary.BigEndian) {
		return 'B'
	}
	return 'l'
}

func field(code int, v any) []any { return []any{byte(code), v} }

// send serializes and writes one message.  Codec failures happen before
// any bytes move and fail only this operation; a short or failed socket
// write leaves the stream unusable and tears the connection down.
func (c *Conn) send(mtype frame.Type, fields []any, sig wire.Signature, body any, sn uint32) error {
	var bodyBytes []byte
	if sig != "" {
		var err error
		bodyBytes, err = wire.Marshal(sig, body)
		if err != nil {
			return err
		}
		fields = append(fields, field(frame.FieldSignature, sig))
	}
	header, err := wire.Marshal(frame.HeaderSig,
		endianFlag(), byte(mtype), byte(0), byte(frame.Version),
		uint32(len(bodyBytes)), sn, fields)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	err = frame.WriteMessage(c.sock, header, bodyBytes)
	c.wmu.Unlock()
	if err != nil {
		// Part of the message may be on the wire; the stream framing
		// can no longer be trusted.
		go c.teardown()
		return err
	}
	metrics.MessageTxTotal.WithLabelValues(mtype.String()).Inc()
	return nil
}

// CallAsync sends a method call and installs its reply slot.  The slot
// is registered before the write, so a reply cannot race past it.
func (c *Conn) CallAsync(msg CallMsg) (*Call, error) {
	if msg.Path == "" || msg.Member == "" {
		return nil, fmt.Errorf("%w: call requires Path and Member", wire.ErrInvalidValue)
	}
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	sn := c.serialLocked()
	call := &Call{serial: sn, done: make(chan struct{})}
	c.pending[sn] = call
	c.mu.Unlock()
	metrics.PendingCalls.Inc()

	fields := []any{
		field(frame.FieldPath, wire.ObjectPath(msg.Path)),
		field(frame.FieldMember, msg.Member),
	}
	if msg.Interface != "" {
		fields = append(fields, field(frame.FieldInterface, msg.Interface))
	}
	if msg.Destination != "" {
		fields = append(fields, field(frame.FieldDestination, msg.Destination))
	}
	if err := c.send(frame.MethodCall, fields, msg.Signature, msg.Body, sn); err != nil {
		c.mu.Lock()
		delete(c.pending, sn)
		c.mu.Unlock()
		metrics.PendingCalls.Dec()
		return nil, err
	}
	return call, nil
}

// Call sends a method call and waits for its reply.  Cancelling ctx
// abandons the slot; the late reply is discarded when it arrives.
func (c *Conn) Call(ctx context.Context, msg CallMsg) (any, error) {
	start := time.Now()
	call, err := c.CallAsync(msg)
	if err != nil {
		return nil, err
	}
	select {
	case <-call.done:
		metrics.CallTimeHistogram.Observe(time.Since(start).Seconds())
		return call.body, call.err
	case <-ctx.Done():
		call.Cancel()
		return nil, ctx.Err()
	}
}

// Signal broadcasts a signal; there is no reply.
func (c *Conn) Signal(msg SignalMsg) error {
	if msg.Path == "" || msg.Interface == "" || msg.Member == "" {
		return fmt.Errorf("%w: signal requires Path, Interface and Member", wire.ErrInvalidValue)
	}
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	sn := c.serialLocked()
	c.mu.Unlock()

	fields := []any{
		field(frame.FieldPath, wire.ObjectPath(msg.Path)),
		field(frame.FieldInterface, msg.Interface),
		field(frame.FieldMember, msg.Member),
	}
	if msg.Destination != "" {
		fields = append(fields, field(frame.FieldDestination, msg.Destination))
	}
	return c.send(frame.Signal, fields, msg.Signature, msg.Body, sn)
}

// sendReturn answers ev with a METHOD_RETURN.
func (c *Conn) sendReturn(ev *Event, sig wire.Signature, body any) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	sn := c.serialLocked()
	c.mu.Unlock()
	fields := []any{field(frame.FieldReplySerial, ev.Serial)}
	if ev.Sender != "" {
		fields = append(fields, field(frame.FieldDestination, ev.Sender))
	}
	return c.send(frame.MethodReturn, fields, sig, body, sn)
}

// sendError answers ev with an ERROR carrying name and, when not
// empty, message as the body.
func (c *Conn) sendError(ev *Event, name, message string) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	sn := c.serialLocked()
	c.mu.Unlock()
	fields := []any{
		field(frame.FieldErrorName, name),
		field(frame.FieldReplySerial, ev.Serial),
	}
	if ev.Sender != "" {
		fields = append(fields, field(frame.FieldDestination, ev.Sender))
	}
	var sig wire.Signature
	var body any
	if message != "" {
		sig, body = "s", message
	}
	return c.send(frame.Error, fields, sig, body, sn)
}
