// Package frame reads and writes whole D-Bus messages on a byte
// stream.  It knows only the fixed 16-byte prefix layout, the size
// limits, and the 8-byte body alignment rule; header array contents are
// decoded by the caller through the wire codec.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mdavidsaver/dbucket/wire"
)

// Message types of the D-Bus 1.0 protocol.
type Type byte

const (
	MethodCall   Type = 1
	MethodReturn Type = 2
	Error        Type = 3
	Signal       Type = 4
)

func (t Type) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case Error:
		return "error"
	case Signal:
		return "signal"
	}
	return fmt.Sprintf("type%d", byte(t))
}

// Header field codes carried in the message header array.
const (
	FieldPath        = 1
	FieldInterface   = 2
	FieldMember      = 3
	FieldErrorName   = 4
	FieldReplySerial = 5
	FieldDestination = 6
	FieldSender      = 7
	FieldSignature   = 8
)

// HeaderSig is the signature of a complete message header: the fixed
// prefix followed by the header field array.
const HeaderSig wire.Signature = "yyyyuua(yv)"

// Protocol limits.
const (
	Version    = 1
	MaxMessage = 1 << 27 // header array + body
	MaxHeader  = 1 << 26 // header array alone (exclusive)

	prefixLen = 16
)

// ErrBadPrefix reports an unrecognized endian flag or protocol version.
var ErrBadPrefix = errors.New("invalid message prefix")

// Prefix is the decoded fixed 16-byte message prefix.
type Prefix struct {
	Order     binary.ByteOrder
	Type      Type
	Flags     byte
	BodyLen   uint32
	Serial    uint32
	HeaderLen uint32 // header array byte length, without padding
}

// ParsePrefix decodes and validates the first 16 bytes of a message.
func ParsePrefix(head []byte) (Prefix, error) {
	if len(head) != prefixLen {
		return Prefix{}, fmt.Errorf("%w: %d byte prefix", ErrBadPrefix, len(head))
	}
	var p Prefix
	switch head[0] {
	case 'l':
		p.Order = binary.LittleEndian
	case 'B':
		p.Order = binary.BigEndian
	default:
		return Prefix{}, fmt.Errorf("%w: endian flag %#x", ErrBadPrefix, head[0])
	}
	if head[3] != Version {
		return Prefix{}, fmt.Errorf("%w: protocol version %d", ErrBadPrefix, head[3])
	}
	p.Type = Type(head[1])
	p.Flags = head[2]
	p.BodyLen = p.Order.Uint32(head[4:8])
	p.Serial = p.Order.Uint32(head[8:12])
	p.HeaderLen = p.Order.Uint32(head[12:16])
	if uint64(p.BodyLen)+uint64(p.HeaderLen) > MaxMessage || p.HeaderLen >= MaxHeader {
		return Prefix{}, fmt.Errorf("%w: header %d body %d", wire.ErrOversizeMessage, p.HeaderLen, p.BodyLen)
	}
	return p, nil
}

// Message is one framed message: the validated prefix, the raw header
// bytes (prefix plus header array, ready for the wire codec), and the
// raw body.
type Message struct {
	Prefix
	Header []byte
	Body   []byte
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// ReadMessage reads exactly one message.  io.EOF is returned untouched
// when the stream ends cleanly between messages.
func ReadMessage(r io.Reader) (*Message, error) {
	head := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	p, err := ParsePrefix(head)
	if err != nil {
		return nil, err
	}
	// The header array is padded so the body starts on an 8-byte
	// boundary; there is no padding after the body.
	hlen := int(p.HeaderLen)
	bstart := align8(hlen)
	rest := make([]byte, bstart+int(p.BodyLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Message{
		Prefix: p,
		Header: append(head, rest[:hlen]...),
		Body:   rest[bstart:],
	}, nil
}

// WriteMessage writes header (a complete encoded prefix + header
// array), padding to 8 bytes, and body as a single Write so concurrent
// messages interleave only as whole units.
func WriteMessage(w io.Writer, header, body []byte) error {
	if len(header) < prefixLen {
		return fmt.Errorf("%w: %d byte header", ErrBadPrefix, len(header))
	}
	hlen := len(header) - prefixLen
	if hlen >= MaxHeader || hlen+len(body) > MaxMessage {
		return fmt.Errorf("%w: header %d body %d", wire.ErrOversizeMessage, hlen, len(body))
	}
	msg := make([]byte, 0, align8(len(header))+len(body))
	msg = append(msg, header...)
	for n := align8(len(header)) - len(header); n > 0; n-- {
		msg = append(msg, 0)
	}
	msg = append(msg, body...)
	_, err := w.Write(msg)
	return err
}
