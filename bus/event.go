package bus

import (
	"fmt"

	"github.com/mdavidsaver/dbucket/frame"
	"github.com/mdavidsaver/dbucket/wire"
)

// Event is one received bus message with the recognized header fields
// pulled out and the body decoded.  Events handed to subscriber queues
// are shared; receivers must not modify them.
type Event struct {
	Type   frame.Type
	Serial uint32

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   wire.Signature

	Body any
}

func (ev *Event) String() string {
	return fmt.Sprintf("Event(%s sn=%d path=%q interface=%q member=%q sender=%q)",
		ev.Type, ev.Serial, ev.Path, ev.Interface, ev.Member, ev.Sender)
}

// newEvent builds an Event from a decoded header field table and body.
func newEvent(t frame.Type, serial uint32, fields *[9]any, body any) *Event {
	return &Event{
		Type:        t,
		Serial:      serial,
		Path:        fieldString(fields, frame.FieldPath),
		Interface:   fieldString(fields, frame.FieldInterface),
		Member:      fieldString(fields, frame.FieldMember),
		ErrorName:   fieldString(fields, frame.FieldErrorName),
		ReplySerial: fieldUint32(fields, frame.FieldReplySerial),
		Destination: fieldString(fields, frame.FieldDestination),
		Sender:      fieldString(fields, frame.FieldSender),
		Signature:   wire.Signature(fieldString(fields, frame.FieldSignature)),
		Body:        body,
	}
}

// fieldString reads a string-like header field, tolerating the three
// string wire forms.
func fieldString(fields *[9]any, code int) string {
	switch x := fields[code].(type) {
	case string:
		return x
	case wire.ObjectPath:
		return string(x)
	case wire.Signature:
		return string(x)
	}
	return ""
}

func fieldUint32(fields *[9]any, code int) uint32 {
	if u, ok := fields[code].(uint32); ok {
		return u
	}
	return 0
}
