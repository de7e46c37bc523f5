// Package proxy builds client-side handles for remote objects.  Bind
// gives an unchecked handle for a (destination, path, interface)
// triple; New additionally introspects the peer and checks calls
// against the advertised method signatures.
package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/mdavidsaver/dbucket/bus"
	"github.com/mdavidsaver/dbucket/introspect"
	"github.com/mdavidsaver/dbucket/wire"
)

// Caller is the connection surface a proxy needs.  Both *bus.Conn and
// *persist.Conn satisfy it.
type Caller interface {
	Call(ctx context.Context, msg bus.CallMsg) (any, error)
	Subscribe(ctx context.Context, cond *bus.Condition, depth int) (*bus.Queue, error)
}

// Remote is an unchecked handle: calls pass straight through with the
// signature the caller supplies.
type Remote struct {
	Destination string
	Path        string
	Interface   string

	conn Caller
}

// Bind returns a Remote without touching the peer.
func Bind(c Caller, destination, path, iface string) *Remote {
	return &Remote{Destination: destination, Path: path, Interface: iface, conn: c}
}

// Call invokes member with args encoded under sig.
func (r *Remote) Call(ctx context.Context, member string, sig wire.Signature, args ...any) (any, error) {
	var body any
	switch len(args) {
	case 0:
	case 1:
		body = args[0]
	default:
		body = []any(args)
	}
	return r.conn.Call(ctx, bus.CallMsg{
		Destination: r.Destination,
		Path:        r.Path,
		Interface:   r.Interface,
		Member:      member,
		Signature:   sig,
		Body:        body,
	})
}

// Subscribe opens a queue matching member signals from this object.
func (r *Remote) Subscribe(ctx context.Context, member string, depth int) (*bus.Queue, error) {
	return r.conn.Subscribe(ctx, &bus.Condition{
		Path:      r.Path,
		Interface: r.Interface,
		Member:    member,
	}, depth)
}

// Introspect fetches and parses the peer's introspection document.
func Introspect(ctx context.Context, c Caller, destination, path string) (*introspect.Node, error) {
	ret, err := c.Call(ctx, bus.CallMsg{
		Destination: destination,
		Path:        path,
		Interface:   introspect.Introspectable,
		Member:      "Introspect",
	})
	if err != nil {
		return nil, err
	}
	doc, ok := ret.(string)
	if !ok {
		return nil, fmt.Errorf("%w: Introspect returned %T", wire.ErrInvalidValue, ret)
	}
	return introspect.Parse(doc)
}

// method is one advertised member with signatures split by direction.
type method struct {
	in, out []wire.Signature
	inSig   wire.Signature
}

// Proxy is an introspected handle: members and argument counts are
// checked against the peer's advertised interface before anything goes
// on the wire.
type Proxy struct {
	*Remote
	methods map[string]*method
	signals map[string]struct{}
}

// New introspects destination/path and builds a Proxy for iface.
func New(ctx context.Context, c Caller, destination, path, iface string) (*Proxy, error) {
	node, err := Introspect(ctx, c, destination, path)
	if err != nil {
		return nil, err
	}
	section := node.Interface(iface)
	if section == nil {
		return nil, fmt.Errorf("peer %s at %s does not implement %s", destination, path, iface)
	}
	p := &Proxy{
		Remote:  Bind(c, destination, path, iface),
		methods: make(map[string]*method),
		signals: make(map[string]struct{}),
	}
	for _, m := range section.Methods {
		info := &method{}
		var in []string
		for _, a := range m.Args {
			switch a.Direction {
			case "in":
				info.in = append(info.in, wire.Signature(a.Type))
				in = append(in, a.Type)
			case "out", "":
				info.out = append(info.out, wire.Signature(a.Type))
			}
		}
		info.inSig = wire.Signature(strings.Join(in, ""))
		p.methods[m.Name] = info
	}
	for _, s := range section.Signals {
		p.signals[s.Name] = struct{}{}
	}
	return p, nil
}

// Call invokes an advertised method, deriving the body signature from
// the introspection data.
func (p *Proxy) Call(ctx context.Context, member string, args ...any) (any, error) {
	m, ok := p.methods[member]
	if !ok {
		return nil, &bus.RemoteError{
			Name:    bus.ErrNameUnknownMethod,
			Message: fmt.Sprintf("%s has no method %s", p.Interface, member),
		}
	}
	if len(args) != len(m.in) {
		return nil, fmt.Errorf("%w: %s.%s wants %d args, got %d",
			wire.ErrInvalidValue, p.Interface, member, len(m.in), len(args))
	}
	if len(args) == 0 {
		return p.Remote.Call(ctx, member, "")
	}
	return p.Remote.Call(ctx, member, m.inSig, args...)
}

// Subscribe opens a queue for an advertised signal.
func (p *Proxy) Subscribe(ctx context.Context, member string, depth int) (*bus.Queue, error) {
	if _, ok := p.signals[member]; !ok {
		return nil, fmt.Errorf("%s has no signal %s", p.Interface, member)
	}
	return p.Remote.Subscribe(ctx, member, depth)
}

// Methods lists the advertised method names.
func (p *Proxy) Methods() []string {
	out := make([]string, 0, len(p.methods))
	for name := range p.methods {
		out = append(out, name)
	}
	return out
}
