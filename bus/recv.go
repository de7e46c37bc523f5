package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/m-lab/go/logx"
	"github.com/mdavidsaver/dbucket/export"
	"github.com/mdavidsaver/dbucket/frame"
	"github.com/mdavidsaver/dbucket/metrics"
	"github.com/mdavidsaver/dbucket/wire"
)

var slowLog = logx.NewLogEvery(nil, time.Second)

// recvLoop reads and routes messages until EOF, cancellation via
// socket close, or a fatal decode error.  Decode failures on this path
// mean the stream position is no longer trustworthy, so they terminate
// the connection.
func (c *Conn) recvLoop() {
	defer close(c.recvDone)
	r := bufio.NewReader(c.sock)
	for {
		msg, err := frame.ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				log.Println("bus receive failed:", err)
			}
			c.teardown()
			return
		}
		if err := c.route(msg); err != nil {
			log.Println("bus stream corrupt:", err)
			c.teardown()
			return
		}
	}
}

// isClosedConn spots reads on a socket the shutdown path already
// closed; like EOF they are a normal termination.
func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// route decodes one framed message and hands it to the reply table,
// the subscriber queues, or the export dispatcher.
func (c *Conn) route(msg *frame.Message) error {
	vals, err := wire.Unmarshal(msg.Order, frame.HeaderSig, msg.Header)
	if err != nil {
		return err
	}
	var fields [9]any
	rawFields, ok := vals[6].([]any)
	if !ok {
		return fmt.Errorf("%w: header array", wire.ErrInvalidValue)
	}
	for _, rf := range rawFields {
		pair, ok := rf.([]any)
		if !ok || len(pair) != 2 {
			return fmt.Errorf("%w: header field", wire.ErrInvalidValue)
		}
		code, ok := pair[0].(byte)
		v, okv := pair[1].(wire.Variant)
		if !ok || !okv {
			return fmt.Errorf("%w: header field", wire.ErrInvalidValue)
		}
		if int(code) < len(fields) {
			fields[code] = v.Value
		}
	}

	var body any
	if len(msg.Body) > 0 {
		sig := wire.Signature(fieldString(&fields, frame.FieldSignature))
		if sig == "" {
			return fmt.Errorf("%w: body without signature header", wire.ErrInvalidValue)
		}
		bvals, err := wire.Unmarshal(msg.Order, sig, msg.Body)
		if err != nil {
			return err
		}
		body = wire.Body(bvals)
	}

	ev := newEvent(msg.Type, msg.Serial, &fields, body)
	metrics.MessageRxTotal.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case frame.MethodReturn, frame.Error:
		c.routeReply(ev)
	case frame.Signal:
		c.routeSignal(ev)
	case frame.MethodCall:
		go c.serveCall(ev)
	default:
		logx.Debug.Println("ignoring unknown message type", msg.Type)
	}
	return nil
}

func (c *Conn) routeReply(ev *Event) {
	c.mu.Lock()
	call, ok := c.pending[ev.ReplySerial]
	if ok {
		delete(c.pending, ev.ReplySerial)
	}
	c.mu.Unlock()
	if !ok {
		slowLog.Println("reply with unknown serial", ev.ReplySerial)
		return
	}
	metrics.PendingCalls.Dec()
	if ev.Type == frame.MethodReturn {
		call.resolve(ev.Body, nil)
		return
	}
	message, _ := ev.Body.(string)
	call.resolve(nil, &RemoteError{Name: ev.ErrorName, Message: message})
}

func (c *Conn) routeSignal(ev *Event) {
	c.mu.Lock()
	queues := append([]*Queue(nil), c.queues...)
	c.mu.Unlock()
	used := false
	for _, q := range queues {
		if q.emit(ev) {
			used = true
		}
	}
	if !used {
		// Expected now and then: signals race RemoveMatch.
		logx.Debug.Println("ignored signal", ev)
	}
}

// serveCall runs an inbound method call outside the receive loop, so
// handlers may block or call back into this connection.  Handler
// panics become ERROR replies rather than crashing the receiver.
func (c *Conn) serveCall(ev *Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("handler for %s.%s panicked: %v", ev.Interface, ev.Member, p)
			metrics.DispatchErrorTotal.WithLabelValues(ErrNameFailed).Inc()
			c.sendError(ev, ErrNameFailed, fmt.Sprint(p))
		}
	}()
	body, sig, err := c.exports.Handle(&export.Call{
		Path:      ev.Path,
		Interface: ev.Interface,
		Member:    ev.Member,
		Body:      ev.Body,
	})
	if err != nil {
		name, message := errorName(err)
		metrics.DispatchErrorTotal.WithLabelValues(name).Inc()
		logx.Debug.Printf("dispatch %s.%s at %s: %v", ev.Interface, ev.Member, ev.Path, err)
		c.sendError(ev, name, message)
		return
	}
	c.sendReturn(ev, sig, body)
}

// errorName maps a dispatch failure onto the D-Bus error name carried
// back to the peer.
func errorName(err error) (string, string) {
	var re *RemoteError
	switch {
	case errors.Is(err, export.ErrUnknownObject):
		return ErrNameUnknownObject, err.Error()
	case errors.Is(err, export.ErrUnknownMethod):
		return ErrNameUnknownMethod, err.Error()
	case errors.Is(err, export.ErrInvalidArgs):
		return ErrNameInvalidArgs, err.Error()
	case errors.As(err, &re):
		return re.Name, re.Message
	}
	return ErrNameFailed, err.Error()
}

// nameWorker consumes the implicitly delivered daemon signals and
// maintains the connection's primary and acquired names.
func (c *Conn) nameWorker() {
	defer close(c.workerDone)
	last := Normal
	for {
		ev, state, err := c.busQ.Recv(context.Background())
		if err != nil {
			return
		}
		if state == Overflow && last == Normal {
			log.Println("missed some bus daemon signals")
		}
		last = state

		switch ev.Member {
		case "NameAcquired":
			name, _ := ev.Body.(string)
			c.mu.Lock()
			if c.name == "" {
				c.name = name
			}
			c.names[name] = struct{}{}
			c.mu.Unlock()
			logx.Debug.Println("NameAcquired:", name)
		case "NameLost":
			name, _ := ev.Body.(string)
			c.mu.Lock()
			delete(c.names, name)
			c.mu.Unlock()
			logx.Debug.Println("NameLost:", name)
		default:
			logx.Debug.Println("daemon signal", ev)
		}
	}
}
