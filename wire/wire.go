// Package wire implements the D-Bus wire format: type-directed
// serialization and deserialization driven by type signatures, with the
// alignment and endianness rules of the D-Bus 1.0 specification.
//
// The codec is pure and knows nothing about connections.  Values are
// represented dynamically:
//
//	y                  byte
//	b                  bool
//	n, q               int16, uint16
//	i, u               int32, uint32
//	x, t               int64, uint64
//	d                  float64
//	h                  uint32 (unix fd index; fd passing is not supported)
//	s                  string
//	o                  ObjectPath
//	g                  Signature
//	a...               []any
//	(...)  and  {...}  []any, one entry per field
//	v                  Variant
package wire

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// Errors returned by the codec.
var (
	ErrMalformedSignature = errors.New("malformed type signature")
	ErrShortBuffer        = errors.New("buffer ends before value is complete")
	ErrTrailingBytes      = errors.New("buffer not fully consumed")
	ErrOversizeMessage    = errors.New("message exceeds size limits")
	ErrInvalidValue       = errors.New("value not representable on the wire")
)

// ObjectPath forces the 'o' wire type where a plain string would be
// encoded as 's' (notably inside a Variant).
type ObjectPath string

// Signature is a D-Bus type signature.  As a value it forces the 'g'
// wire type.
type Signature string

// Variant carries a value together with the signature it is (or will
// be) encoded under.  Decoding a 'v' always produces a Variant;
// encoding accepts either a Variant or a value whose wire type can be
// inferred (see inferVariant).
type Variant struct {
	Sig   Signature
	Value any
}

// HostOrder is the native byte order of this machine.  Encoding
// defaults to it, matching the endian flag written into outgoing
// message prefixes.
var HostOrder = func() binary.ByteOrder {
	var probe [2]byte
	*(*uint16)(unsafe.Pointer(&probe[0])) = 1
	if probe[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// alignOf returns the wire alignment of the type starting with code.
// Unknown codes return 0; signatures are validated before use.
func alignOf(code byte) int {
	switch code {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 0
}

// padding returns the number of pad bytes needed to advance pos to the
// next multiple of align.
func padding(pos, align int) int {
	return (align - pos%align) % align
}
