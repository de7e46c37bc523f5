package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Marshal encodes vals under sig in host byte order.  vals must supply
// one value per complete type in sig.  As a convenience, a multi-type
// signature may instead be given a single []any holding the values in
// order.
func Marshal(sig Signature, vals ...any) ([]byte, error) {
	return MarshalOrder(HostOrder, sig, vals...)
}

// MarshalOrder is Marshal with an explicit byte order.
func MarshalOrder(order binary.ByteOrder, sig Signature, vals ...any) ([]byte, error) {
	elems, err := Split(sig)
	if err != nil {
		return nil, err
	}
	if len(vals) == 1 && len(elems) > 1 {
		if seq, ok := vals[0].([]any); ok {
			vals = seq
		}
	}
	if len(vals) != len(elems) {
		return nil, fmt.Errorf("%w: %d values for signature %q", ErrInvalidValue, len(vals), sig)
	}
	e := encoder{order: order}
	for i, elem := range elems {
		if err := e.value(elem, vals[i]); err != nil {
			return nil, fmt.Errorf("encoding %q: %w", sig, err)
		}
	}
	return e.out, nil
}

// encoder appends encoded values to out.  The write position doubles as
// the offset from message start, so Marshal output is only valid at an
// 8-byte boundary of the enclosing message (offset 0 for headers, the
// padded body start for bodies).
type encoder struct {
	out   []byte
	order binary.ByteOrder
}

func (e *encoder) pad(align int) {
	for n := padding(len(e.out), align); n > 0; n-- {
		e.out = append(e.out, 0)
	}
}

func (e *encoder) putUint(size int, v uint64) {
	e.pad(size)
	var scratch [8]byte
	switch size {
	case 1:
		scratch[0] = byte(v)
	case 2:
		e.order.PutUint16(scratch[:2], uint16(v))
	case 4:
		e.order.PutUint32(scratch[:4], uint32(v))
	case 8:
		e.order.PutUint64(scratch[:8], v)
	}
	e.out = append(e.out, scratch[:size]...)
}

// sequence encodes one value per complete type in sig.
func (e *encoder) sequence(sig Signature, vals []any) error {
	elems, err := Split(sig)
	if err != nil {
		return err
	}
	if len(vals) != len(elems) {
		return fmt.Errorf("%w: %d values for signature %q", ErrInvalidValue, len(vals), sig)
	}
	for i, elem := range elems {
		if err := e.value(elem, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) value(elem Signature, v any) error {
	switch c := elem[0]; c {
	case '(', '{':
		inner := elem[1 : len(elem)-1]
		if c == '{' {
			if err := validDictEntry(inner); err != nil {
				return err
			}
		}
		fields, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: %T for %q", ErrInvalidValue, v, elem)
		}
		e.pad(8)
		return e.sequence(inner, fields)

	case 'a':
		if elem[1] == '{' {
			if err := validDictEntry(elem[2 : len(elem)-1]); err != nil {
				return err
			}
		}
		members, err := arrayMembers(v, elem)
		if err != nil {
			return err
		}
		e.pad(4)
		sizeOff := len(e.out)
		e.out = append(e.out, 0, 0, 0, 0)
		// Padding up to the element alignment is not counted in the
		// array byte-count.
		e.pad(alignOf(elem[1]))
		start := len(e.out)
		for _, m := range members {
			if err := e.value(elem[1:], m); err != nil {
				return err
			}
		}
		e.order.PutUint32(e.out[sizeOff:], uint32(len(e.out)-start))
		return nil

	case 'g':
		s, ok := stringValue(v)
		if !ok || len(s) > math.MaxUint8 || !Valid(Signature(s)) {
			return fmt.Errorf("%w: %#v is not a signature", ErrInvalidValue, v)
		}
		e.out = append(e.out, byte(len(s)))
		e.out = append(e.out, s...)
		e.out = append(e.out, 0)
		return nil

	case 's', 'o':
		s, ok := stringValue(v)
		if !ok || !utf8.ValidString(s) {
			return fmt.Errorf("%w: %#v for %q", ErrInvalidValue, v, elem)
		}
		e.putUint(4, uint64(len(s)))
		e.out = append(e.out, s...)
		e.out = append(e.out, 0)
		return nil

	case 'v':
		vsig, val, err := inferVariant(v)
		if err != nil {
			return err
		}
		if velem, rest, err := NextType(vsig); err != nil || rest != "" || velem != vsig {
			return fmt.Errorf("%w: variant signature %q is not one complete type", ErrInvalidValue, vsig)
		}
		if len(vsig) > math.MaxUint8 {
			return fmt.Errorf("%w: variant signature %q too long", ErrInvalidValue, vsig)
		}
		e.out = append(e.out, byte(len(vsig)))
		e.out = append(e.out, vsig...)
		e.out = append(e.out, 0)
		return e.value(vsig, val)

	case 'y':
		u, err := asUint(v, math.MaxUint8)
		if err != nil {
			return err
		}
		e.out = append(e.out, byte(u))
		return nil

	case 'b':
		u, err := asBool(v)
		if err != nil {
			return err
		}
		e.putUint(4, u)
		return nil

	case 'n':
		i, err := asInt(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		e.putUint(2, uint64(uint16(i)))
		return nil

	case 'q':
		u, err := asUint(v, math.MaxUint16)
		if err != nil {
			return err
		}
		e.putUint(2, u)
		return nil

	case 'i':
		i, err := asInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		e.putUint(4, uint64(uint32(i)))
		return nil

	case 'u', 'h':
		u, err := asUint(v, math.MaxUint32)
		if err != nil {
			return err
		}
		e.putUint(4, u)
		return nil

	case 'x':
		i, err := asInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		e.putUint(8, uint64(i))
		return nil

	case 't':
		u, err := asUint(v, math.MaxUint64)
		if err != nil {
			return err
		}
		e.putUint(8, u)
		return nil

	case 'd':
		f, ok := floatValue(v)
		if !ok {
			return fmt.Errorf("%w: %T for 'd'", ErrInvalidValue, v)
		}
		e.putUint(8, math.Float64bits(f))
		return nil
	}
	return fmt.Errorf("%w: type code %q", ErrMalformedSignature, elem[0])
}

// validDictEntry checks that a dict entry body is a basic key followed
// by exactly one value type.
func validDictEntry(inner Signature) error {
	if len(inner) == 0 {
		return fmt.Errorf("%w: empty dict entry", ErrMalformedSignature)
	}
	switch inner[0] {
	case 'a', 'v', '(', '{':
		return fmt.Errorf("%w: dict entry key %q is not basic", ErrMalformedSignature, inner[0])
	}
	if _, rest, err := NextType(inner[1:]); err != nil || rest != "" {
		return fmt.Errorf("%w: dict entry %q is not key+value", ErrMalformedSignature, inner)
	}
	return nil
}

// arrayMembers widens the accepted Go forms of an array value to []any.
func arrayMembers(v any, elem Signature) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		members := make([]any, len(x))
		for i, s := range x {
			members[i] = s
		}
		return members, nil
	case []byte:
		members := make([]any, len(x))
		for i, b := range x {
			members[i] = b
		}
		return members, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %T for %q", ErrInvalidValue, v, elem)
}

// inferVariant maps a value to the signature used when it appears in a
// variant position.  Only unambiguous Go types are inferable; string
// values needing 'o' or 'g' must be wrapped in ObjectPath or Signature,
// everything else in an explicit Variant.
func inferVariant(v any) (Signature, any, error) {
	switch x := v.(type) {
	case Variant:
		return x.Sig, x.Value, nil
	case ObjectPath:
		return "o", x, nil
	case Signature:
		return "g", x, nil
	case string:
		return "s", x, nil
	case bool:
		return "b", x, nil
	case byte:
		return "y", x, nil
	case int16:
		return "n", x, nil
	case uint16:
		return "q", x, nil
	case int32, int:
		return "i", x, nil
	case uint32:
		return "u", x, nil
	case int64:
		return "x", x, nil
	case uint64:
		return "t", x, nil
	case float64:
		return "d", x, nil
	}
	return "", nil, fmt.Errorf("%w: cannot infer variant signature for %T", ErrInvalidValue, v)
}

func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case ObjectPath:
		return string(x), true
	case Signature:
		return string(x), true
	case []byte:
		return string(x), true
	}
	return "", false
}

func floatValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

func asBool(v any) (uint64, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		u, err := asUint(v, 1)
		if err != nil {
			return 0, fmt.Errorf("%w: %T for 'b'", ErrInvalidValue, v)
		}
		return u, nil
	}
}

func asUint(v any, max uint64) (uint64, error) {
	var u uint64
	switch x := v.(type) {
	case byte:
		u = uint64(x)
	case uint16:
		u = uint64(x)
	case uint32:
		u = uint64(x)
	case uint64:
		u = x
	case uint:
		u = uint64(x)
	case int8:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative value %d", ErrInvalidValue, x)
		}
		u = uint64(x)
	case int16:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative value %d", ErrInvalidValue, x)
		}
		u = uint64(x)
	case int32:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative value %d", ErrInvalidValue, x)
		}
		u = uint64(x)
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative value %d", ErrInvalidValue, x)
		}
		u = uint64(x)
	case int:
		if x < 0 {
			return 0, fmt.Errorf("%w: negative value %d", ErrInvalidValue, x)
		}
		u = uint64(x)
	default:
		return 0, fmt.Errorf("%w: %T is not an unsigned integer", ErrInvalidValue, v)
	}
	if u > max {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidValue, u)
	}
	return u, nil
}

func asInt(v any, min, max int64) (int64, error) {
	var i int64
	switch x := v.(type) {
	case int8:
		i = int64(x)
	case int16:
		i = int64(x)
	case int32:
		i = int64(x)
	case int64:
		i = x
	case int:
		i = int64(x)
	case byte:
		i = int64(x)
	case uint16:
		i = int64(x)
	case uint32:
		i = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range", ErrInvalidValue, x)
		}
		i = int64(x)
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrInvalidValue, v)
	}
	if i < min || i > max {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidValue, i)
	}
	return i, nil
}
