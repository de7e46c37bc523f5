// Package busstub is a scripted stand-in for the bus daemon, used by
// tests.  It listens on a unix socket, speaks the real auth handshake
// and wire format, answers the common org.freedesktop.DBus methods,
// and lets tests inject signals and method calls toward the client.
package busstub

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdavidsaver/dbucket/auth"
	"github.com/mdavidsaver/dbucket/frame"
	"github.com/mdavidsaver/dbucket/wire"
)

const (
	busName = "org.freedesktop.DBus"
	busPath = "/org/freedesktop/DBus"
)

// Call is one decoded inbound message, with enough header context to
// answer it.
type Call struct {
	Type        frame.Type
	Serial      uint32
	Path        string
	Interface   string
	Member      string
	Destination string
	ReplySerial uint32
	ErrorName   string
	Signature   wire.Signature
	Body        any

	conn *stubConn
}

// Reply answers a recorded call with a METHOD_RETURN.
func (call *Call) Reply(sig wire.Signature, body any) error {
	fields := []any{field(frame.FieldReplySerial, call.Serial), field(frame.FieldSender, busName)}
	return call.conn.send(frame.MethodReturn, fields, sig, body)
}

// ReplyError answers a recorded call with an ERROR.
func (call *Call) ReplyError(name, message string) error {
	fields := []any{
		field(frame.FieldErrorName, name),
		field(frame.FieldReplySerial, call.Serial),
		field(frame.FieldSender, busName),
	}
	if message == "" {
		return call.conn.send(frame.Error, fields, "", nil)
	}
	return call.conn.send(frame.Error, fields, "s", message)
}

// Server is the scripted daemon.
type Server struct {
	listener net.Listener

	// Unhandled method calls and all replies/errors from the client
	// land here for the test to script.
	Received chan *Call

	mu          sync.Mutex
	conns       []*stubConn
	nextUnique  int
	names       map[string]string // well-known name -> unique name
	addMatch    map[string]int
	removeMatch map[string]int
}

// New starts a stub daemon on a socket under dir.
func New(dir string) (*Server, error) {
	sock := filepath.Join(dir, "bus.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener:    l,
		Received:    make(chan *Call, 64),
		names:       make(map[string]string),
		addMatch:    make(map[string]int),
		removeMatch: make(map[string]int),
	}
	go s.acceptLoop()
	return s, nil
}

// Endpoints returns the address of the stub in connectable form.
func (s *Server) Endpoints() []auth.Endpoint {
	return []auth.Endpoint{{"unix:path": s.listener.Addr().String()}}
}

// Close stops listening and drops every client.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.sock.Close()
	}
}

// DropClients severs live connections but keeps listening, simulating
// a daemon restart.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.sock.Close()
	}
}

// AddMatchCount reports how many times expr was registered.
func (s *Server) AddMatchCount(expr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMatch[expr]
}

// RemoveMatchCount reports how many times expr was dropped.
func (s *Server) RemoveMatchCount(expr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeMatch[expr]
}

// Emit broadcasts a signal to every connected client.
func (s *Server) Emit(sender, path, iface, member string, sig wire.Signature, body any) error {
	fields := []any{
		field(frame.FieldPath, wire.ObjectPath(path)),
		field(frame.FieldInterface, iface),
		field(frame.FieldMember, member),
		field(frame.FieldSender, sender),
	}
	s.mu.Lock()
	conns := append([]*stubConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.send(frame.Signal, fields, sig, body); err != nil {
			return err
		}
	}
	return nil
}

// CallClient sends a method call toward the client, as a peer would.
func (s *Server) CallClient(sender, path, iface, member string, sig wire.Signature, body any) (uint32, error) {
	fields := []any{
		field(frame.FieldPath, wire.ObjectPath(path)),
		field(frame.FieldMember, member),
		field(frame.FieldSender, sender),
	}
	if iface != "" {
		fields = append(fields, field(frame.FieldInterface, iface))
	}
	s.mu.Lock()
	conns := append([]*stubConn(nil), s.conns...)
	s.mu.Unlock()
	if len(conns) == 0 {
		return 0, fmt.Errorf("busstub: no client connected")
	}
	c := conns[0]
	c.mu.Lock()
	sn := c.nextSN
	c.nextSN++
	c.mu.Unlock()
	return sn, c.sendSN(frame.MethodCall, fields, sig, body, sn)
}

type stubConn struct {
	server *Server
	sock   net.Conn
	unique string

	mu     sync.Mutex
	nextSN uint32
}

func (s *Server) acceptLoop() {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.nextUnique++
		c := &stubConn{server: s, sock: sock, unique: fmt.Sprintf(":1.%d", s.nextUnique), nextSN: 1}
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go c.serve()
	}
}

// serverHandshake is the daemon side of the auth exchange the client
// package drives.
func (c *stubConn) serverHandshake(r *bufio.Reader) error {
	nul := make([]byte, 1)
	if _, err := r.Read(nul); err != nil || nul[0] != 0 {
		return fmt.Errorf("busstub: missing preamble byte (err=%v)", err)
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "AUTH":
			fmt.Fprintf(c.sock, "REJECTED EXTERNAL ANONYMOUS\r\n")
		case strings.HasPrefix(line, "AUTH EXTERNAL"), strings.HasPrefix(line, "AUTH ANONYMOUS"):
			fmt.Fprintf(c.sock, "OK d0d0d0d0d0d0d0d0d0d0d0d0d0d0d0d0\r\n")
		case line == "BEGIN":
			return nil
		default:
			fmt.Fprintf(c.sock, "ERROR\r\n")
		}
	}
}

func (c *stubConn) serve() {
	r := bufio.NewReader(c.sock)
	if err := c.serverHandshake(r); err != nil {
		log.Println("busstub: handshake:", err)
		c.sock.Close()
		return
	}
	for {
		msg, err := frame.ReadMessage(r)
		if err != nil {
			c.sock.Close()
			return
		}
		call, err := c.decode(msg)
		if err != nil {
			log.Println("busstub: decode:", err)
			c.sock.Close()
			return
		}
		c.handle(call)
	}
}

func (c *stubConn) decode(msg *frame.Message) (*Call, error) {
	vals, err := wire.Unmarshal(msg.Order, frame.HeaderSig, msg.Header)
	if err != nil {
		return nil, err
	}
	call := &Call{Type: msg.Type, Serial: msg.Serial, conn: c}
	for _, rf := range vals[6].([]any) {
		pair := rf.([]any)
		v := pair[1].(wire.Variant).Value
		switch pair[0].(byte) {
		case frame.FieldPath:
			call.Path = string(v.(wire.ObjectPath))
		case frame.FieldInterface:
			call.Interface = v.(string)
		case frame.FieldMember:
			call.Member = v.(string)
		case frame.FieldErrorName:
			call.ErrorName = v.(string)
		case frame.FieldReplySerial:
			call.ReplySerial = v.(uint32)
		case frame.FieldDestination:
			call.Destination = v.(string)
		case frame.FieldSignature:
			call.Signature = v.(wire.Signature)
		}
	}
	if len(msg.Body) > 0 {
		bvals, err := wire.Unmarshal(msg.Order, call.Signature, msg.Body)
		if err != nil {
			return nil, err
		}
		call.Body = wire.Body(bvals)
	}
	return call, nil
}

// handle answers the daemon methods every connection needs and routes
// everything else to the test.
func (c *stubConn) handle(call *Call) {
	if call.Type != frame.MethodCall || (call.Destination != busName && call.Destination != "") {
		c.server.Received <- call
		return
	}
	switch call.Member {
	case "Hello":
		call.Reply("s", c.unique)
		c.signalToSelf("NameAcquired", "s", c.unique)
	case "AddMatch":
		expr, _ := call.Body.(string)
		c.server.mu.Lock()
		c.server.addMatch[expr]++
		c.server.mu.Unlock()
		call.Reply("", nil)
	case "RemoveMatch":
		expr, _ := call.Body.(string)
		c.server.mu.Lock()
		c.server.removeMatch[expr]++
		c.server.mu.Unlock()
		call.Reply("", nil)
	case "ListNames":
		c.server.mu.Lock()
		names := []any{busName, c.unique}
		for wk := range c.server.names {
			names = append(names, wk)
		}
		c.server.mu.Unlock()
		call.Reply("as", names)
	case "RequestName":
		args := call.Body.([]any)
		name := args[0].(string)
		c.server.mu.Lock()
		c.server.names[name] = c.unique
		c.server.mu.Unlock()
		call.Reply("u", uint32(1))
		c.signalToSelf("NameAcquired", "s", name)
		c.signalToSelf("NameOwnerChanged", "sss", []any{name, "", c.unique})
	case "ReleaseName":
		name := call.Body.(string)
		c.server.mu.Lock()
		delete(c.server.names, name)
		c.server.mu.Unlock()
		call.Reply("u", uint32(1))
		c.signalToSelf("NameLost", "s", name)
		c.signalToSelf("NameOwnerChanged", "sss", []any{name, c.unique, ""})
	case "GetId":
		call.Reply("s", "deadbeefdeadbeefdeadbeefdeadbeef")
	case "Ping":
		call.Reply("", nil)
	default:
		call.ReplyError("org.freedesktop.DBus.Error.UnknownMethod", fmt.Sprintf("no such method %q", call.Member))
	}
}

func (c *stubConn) signalToSelf(member string, sig wire.Signature, body any) {
	fields := []any{
		field(frame.FieldPath, wire.ObjectPath(busPath)),
		field(frame.FieldInterface, busName),
		field(frame.FieldMember, member),
		field(frame.FieldSender, busName),
		field(frame.FieldDestination, c.unique),
	}
	c.send(frame.Signal, fields, sig, body)
}

func (c *stubConn) send(mtype frame.Type, fields []any, sig wire.Signature, body any) error {
	c.mu.Lock()
	sn := c.nextSN
	c.nextSN++
	c.mu.Unlock()
	return c.sendSN(mtype, fields, sig, body, sn)
}

func (c *stubConn) sendSN(mtype frame.Type, fields []any, sig wire.Signature, body any, sn uint32) error {
	var bodyBytes []byte
	if sig != "" {
		var err error
		bodyBytes, err = wire.Marshal(sig, body)
		if err != nil {
			return err
		}
		fields = append(fields, field(frame.FieldSignature, sig))
	}
	flag := byte('l')
	if wire.HostOrder == binary.ByteOrder(binary.BigEndian) {
		flag = 'B'
	}
	header, err := wire.Marshal(frame.HeaderSig,
		flag, byte(mtype), byte(0), byte(frame.Version),
		uint32(len(bodyBytes)), sn, fields)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return frame.WriteMessage(c.sock, header, bodyBytes)
}

func field(code int, v any) []any { return []any{byte(code), v} }
