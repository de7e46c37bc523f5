// Package introspect models the D-Bus introspection XML document.  The
// export side renders these types for exported objects; the proxy side
// parses them back from remote peers.
package introspect

import (
	"encoding/xml"
	"strings"
)

// Introspectable is the standard interface every exported object
// answers.
const Introspectable = "org.freedesktop.DBus.Introspectable"

// DocType is the declaration prepended to every emitted document.
const DocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// Node is one object-path node: its interfaces plus references to
// child nodes.
type Node struct {
	XMLName    xml.Name    `xml:"node"`
	Name       string      `xml:"name,attr,omitempty"`
	Interfaces []Interface `xml:"interface"`
	Children   []Node      `xml:"node"`
}

// Interface describes one named interface.
type Interface struct {
	Name       string     `xml:"name,attr"`
	Methods    []Method   `xml:"method"`
	Signals    []Signal   `xml:"signal"`
	Properties []Property `xml:"property"`
}

// Method describes a callable member.
type Method struct {
	Name string `xml:"name,attr"`
	Args []Arg  `xml:"arg"`
}

// Signal describes an emitted member.
type Signal struct {
	Name string `xml:"name,attr"`
	Args []Arg  `xml:"arg"`
}

// Property describes a readable and/or writable attribute.
type Property struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

// Arg is one argument of a method or signal.
type Arg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

// Parse decodes an introspection document.  The DOCTYPE directive, if
// present, is skipped by the XML decoder.
func Parse(doc string) (*Node, error) {
	var n Node
	if err := xml.Unmarshal([]byte(doc), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Document renders the node as a complete introspection document.
func (n *Node) Document() (string, error) {
	raw, err := xml.MarshalIndent(n, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(DocType)
	b.Write(raw)
	b.WriteString("\n")
	return b.String(), nil
}

// Interface returns the named interface section, or nil.
func (n *Node) Interface(name string) *Interface {
	for i := range n.Interfaces {
		if n.Interfaces[i].Name == name {
			return &n.Interfaces[i]
		}
	}
	return nil
}

// Method returns the named method, or nil.
func (i *Interface) Method(name string) *Method {
	for m := range i.Methods {
		if i.Methods[m].Name == name {
			return &i.Methods[m]
		}
	}
	return nil
}
