// Package export holds the tree of locally exported objects and
// dispatches inbound method calls to them.  The tree is a trie keyed on
// object-path segments; each node may carry an attached Object and
// always answers Introspect for subtree navigation.
package export

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mdavidsaver/dbucket/introspect"
	"github.com/mdavidsaver/dbucket/wire"
)

// Dispatch errors.  The connection layer maps these onto the
// corresponding D-Bus error names before replying to the peer.
var (
	ErrUnknownObject = errors.New("no object exported at path")
	ErrUnknownMethod = errors.New("no such method")
	ErrInvalidArgs   = errors.New("call arguments do not match method signature")
	ErrPathInUse     = errors.New("path already has an attached object")
	ErrBadPath       = errors.New("invalid object path")
)

// Handler implements one exported method.  Arguments arrive
// destructured from the call body, one per complete type of the input
// signature; results are returned one per complete type of the output
// signature.  A Handler may block; each call runs outside the
// connection's receive loop.
type Handler func(args []any) ([]any, error)

// Method is one exported member with its wire-level signatures.
type Method struct {
	Interface string
	Name      string
	In        wire.Signature
	Out       wire.Signature
	Fn        Handler

	nin, nout int
}

type methodKey struct{ iface, member string }

// Object is a set of methods (and declared signals) exported together
// at one path.
type Object struct {
	methods map[methodKey]*Method
	signals map[string][]introspect.Signal // interface → signals
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{
		methods: make(map[methodKey]*Method),
		signals: make(map[string][]introspect.Signal),
	}
}

// Method registers a callable member.
func (o *Object) Method(iface, name string, in, out wire.Signature, fn Handler) error {
	nin, err := wire.Split(in)
	if err != nil {
		return fmt.Errorf("method %s.%s input: %w", iface, name, err)
	}
	nout, err := wire.Split(out)
	if err != nil {
		return fmt.Errorf("method %s.%s output: %w", iface, name, err)
	}
	key := methodKey{iface, name}
	if _, dup := o.methods[key]; dup {
		return fmt.Errorf("method %s.%s registered twice", iface, name)
	}
	o.methods[key] = &Method{
		Interface: iface, Name: name,
		In: in, Out: out, Fn: fn,
		nin: len(nin), nout: len(nout),
	}
	return nil
}

// Signal declares an emitted member so it appears in the introspection
// document.
func (o *Object) Signal(iface, name string, sig wire.Signature) error {
	elems, err := wire.Split(sig)
	if err != nil {
		return fmt.Errorf("signal %s.%s: %w", iface, name, err)
	}
	args := make([]introspect.Arg, len(elems))
	for i, e := range elems {
		args[i] = introspect.Arg{Type: string(e), Direction: "out"}
	}
	o.signals[iface] = append(o.signals[iface], introspect.Signal{Name: name, Args: args})
	return nil
}

// interfaces renders the object's members as introspection sections,
// ordered by interface name.
func (o *Object) interfaces() []introspect.Interface {
	byName := make(map[string]*introspect.Interface)
	names := []string{}
	section := func(iface string) *introspect.Interface {
		if s, ok := byName[iface]; ok {
			return s
		}
		byName[iface] = &introspect.Interface{Name: iface}
		names = append(names, iface)
		return byName[iface]
	}
	for _, m := range o.methods {
		args := []introspect.Arg{}
		inElems, _ := wire.Split(m.In)
		for _, e := range inElems {
			args = append(args, introspect.Arg{Type: string(e), Direction: "in"})
		}
		outElems, _ := wire.Split(m.Out)
		for _, e := range outElems {
			args = append(args, introspect.Arg{Type: string(e), Direction: "out"})
		}
		section(m.Interface).Methods = append(section(m.Interface).Methods, introspect.Method{Name: m.Name, Args: args})
	}
	for iface, sigs := range o.signals {
		section(iface).Signals = append(section(iface).Signals, sigs...)
	}
	sort.Strings(names)
	out := make([]introspect.Interface, 0, len(names))
	for _, n := range names {
		s := byName[n]
		sort.Slice(s.Methods, func(i, j int) bool { return s.Methods[i].Name < s.Methods[j].Name })
		sort.Slice(s.Signals, func(i, j int) bool { return s.Signals[i].Name < s.Signals[j].Name })
		out = append(out, *s)
	}
	return out
}

// Call is one inbound method call, already decoded.
type Call struct {
	Path      string
	Interface string
	Member    string
	Body      any
}

// node is one path segment of the export trie.  Children stay behind
// after Detach so subtree navigation keeps working.
type node struct {
	obj      *Object
	sections []introspect.Interface // cached at Attach
	children map[string]*node
}

// Table is the export tree.
type Table struct {
	mu   sync.RWMutex
	root node
}

// NewTable returns an empty export tree.
func NewTable() *Table {
	return &Table{}
}

func splitPath(path string) ([]string, error) {
	if path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	segs := strings.Split(path[1:], "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}
	return segs, nil
}

// Attach installs obj at path, precomputing its introspection
// sections.  The path must not already hold an object.
func (t *Table) Attach(path string, obj *Object) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &t.root
	for _, s := range segs {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[s]
		if !ok {
			child = &node{}
			n.children[s] = child
		}
		n = child
	}
	if n.obj != nil {
		return fmt.Errorf("%w: %q", ErrPathInUse, path)
	}
	n.obj = obj
	n.sections = obj.interfaces()
	return nil
}

// Detach clears the object and cached sections at path.  The node is
// kept so children remain reachable.
func (t *Table) Detach(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lookup(segs)
	if n == nil || n.obj == nil {
		return fmt.Errorf("%w: %q", ErrUnknownObject, path)
	}
	n.obj = nil
	n.sections = nil
	return nil
}

// lookup walks segs from the root; the caller holds t.mu.
func (t *Table) lookup(segs []string) *node {
	n := &t.root
	for _, s := range segs {
		n = n.children[s]
		if n == nil {
			return nil
		}
	}
	return n
}

// Handle dispatches one call and returns the reply body with its
// signature.  Unknown paths and members are reported with
// ErrUnknownObject and ErrUnknownMethod for the connection to
// translate.
func (t *Table) Handle(call *Call) (any, wire.Signature, error) {
	t.mu.RLock()
	segs, err := splitPath(call.Path)
	if err != nil {
		t.mu.RUnlock()
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownObject, call.Path)
	}
	n := t.lookup(segs)
	if n == nil {
		t.mu.RUnlock()
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownObject, call.Path)
	}
	if call.Member == "Introspect" &&
		(call.Interface == introspect.Introspectable || call.Interface == "") {
		doc, err := t.introspectLocked(n)
		t.mu.RUnlock()
		return doc, "s", err
	}
	if n.obj == nil {
		t.mu.RUnlock()
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownObject, call.Path)
	}
	m := n.obj.find(call.Interface, call.Member)
	t.mu.RUnlock()
	if m == nil {
		return nil, "", fmt.Errorf("%w: %s.%s", ErrUnknownMethod, call.Interface, call.Member)
	}

	args, err := destructure(call.Body, m.nin)
	if err != nil {
		return nil, "", fmt.Errorf("%s.%s wants %q: %w", call.Interface, call.Member, m.In, err)
	}
	out, err := m.Fn(args)
	if err != nil {
		return nil, "", err
	}
	if len(out) != m.nout {
		return nil, "", fmt.Errorf("%w: %s.%s returned %d values for %q",
			ErrInvalidArgs, call.Interface, call.Member, len(out), m.Out)
	}
	if m.nout == 0 {
		return nil, "", nil
	}
	if m.nout == 1 {
		return out[0], m.Out, nil
	}
	return []any(out), m.Out, nil
}

// find resolves a member; a call without an interface header matches
// the member in any interface.
func (o *Object) find(iface, member string) *Method {
	if iface != "" {
		return o.methods[methodKey{iface, member}]
	}
	for key, m := range o.methods {
		if key.member == member {
			return m
		}
	}
	return nil
}

// destructure turns a decoded call body into positional arguments: no
// body is no args, a single-type body is one arg, a multi-type body is
// one arg per element.  nin disambiguates a lone array argument from an
// argument tuple.
func destructure(body any, nin int) ([]any, error) {
	switch nin {
	case 0:
		if body != nil {
			return nil, fmt.Errorf("%w: unexpected call body", ErrInvalidArgs)
		}
		return nil, nil
	case 1:
		if body == nil {
			return nil, fmt.Errorf("%w: missing call body", ErrInvalidArgs)
		}
		return []any{body}, nil
	}
	args, ok := body.([]any)
	if !ok || len(args) != nin {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidArgs, body)
	}
	return args, nil
}

// introspectLocked renders the document for n; the caller holds t.mu.
func (t *Table) introspectLocked(n *node) (string, error) {
	doc := introspect.Node{
		Interfaces: append([]introspect.Interface{{
			Name: introspect.Introspectable,
			Methods: []introspect.Method{{
				Name: "Introspect",
				Args: []introspect.Arg{{Name: "data", Type: "s", Direction: "out"}},
			}},
		}}, n.sections...),
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Children = append(doc.Children, introspect.Node{Name: name})
	}
	return doc.Document()
}

// Introspect renders the introspection document for path.
func (t *Table) Introspect(path string) (string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.lookup(segs)
	if n == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownObject, path)
	}
	return t.introspectLocked(n)
}
