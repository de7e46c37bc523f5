package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Unmarshal decodes data under sig, returning one value per complete
// type in sig.  The buffer must be fully consumed; data must begin at
// an 8-byte boundary of the enclosing message.
func Unmarshal(order binary.ByteOrder, sig Signature, data []byte) ([]any, error) {
	d := decoder{buf: data, order: order}
	vals, err := d.sequence(sig)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", sig, err)
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("decoding %q: %w: %d of %d bytes", sig, ErrTrailingBytes, d.pos, len(data))
	}
	return vals, nil
}

// Body collapses a decoded value list the way message bodies are
// handled: no values is nil, a single value stands alone, several stay
// a slice.
func Body(vals []any) any {
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return vals[0]
	}
	return vals
}

type decoder struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return fmt.Errorf("%w: want %d bytes at offset %d of %d", ErrShortBuffer, n, d.pos, len(d.buf))
	}
	return nil
}

func (d *decoder) align(a int) error {
	n := padding(d.pos, a)
	if err := d.need(n); err != nil {
		return err
	}
	d.pos += n
	return nil
}

func (d *decoder) uint(size int) (uint64, error) {
	if err := d.align(size); err != nil {
		return 0, err
	}
	if err := d.need(size); err != nil {
		return 0, err
	}
	raw := d.buf[d.pos:]
	d.pos += size
	switch size {
	case 1:
		return uint64(raw[0]), nil
	case 2:
		return uint64(d.order.Uint16(raw)), nil
	case 4:
		return uint64(d.order.Uint32(raw)), nil
	default:
		return d.order.Uint64(raw), nil
	}
}

// shortString reads a 'g'-form string: one length byte, bytes, NUL.
func (d *decoder) shortString() (string, error) {
	if err := d.need(1); err != nil {
		return "", err
	}
	n := int(d.buf[d.pos])
	if err := d.need(2 + n); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos+1 : d.pos+1+n])
	if d.buf[d.pos+1+n] != 0 {
		return "", fmt.Errorf("%w: missing NUL after %q", ErrInvalidValue, s)
	}
	d.pos += 2 + n
	return s, nil
}

func (d *decoder) longString() (string, error) {
	n64, err := d.uint(4)
	if err != nil {
		return "", err
	}
	n := int(n64)
	if err := d.need(n + 1); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+n])
	if d.buf[d.pos+n] != 0 {
		return "", fmt.Errorf("%w: missing NUL after string", ErrInvalidValue)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: string is not UTF-8", ErrInvalidValue)
	}
	d.pos += n + 1
	return s, nil
}

func (d *decoder) sequence(sig Signature) ([]any, error) {
	elems, err := Split(sig)
	if err != nil {
		return nil, err
	}
	vals := make([]any, 0, len(elems))
	for _, elem := range elems {
		v, err := d.value(elem)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (d *decoder) value(elem Signature) (any, error) {
	switch c := elem[0]; c {
	case '(', '{':
		if err := d.align(8); err != nil {
			return nil, err
		}
		return d.sequence(elem[1 : len(elem)-1])

	case 'a':
		if elem[1] == '{' {
			if err := validDictEntry(elem[2 : len(elem)-1]); err != nil {
				return nil, err
			}
		}
		n64, err := d.uint(4)
		if err != nil {
			return nil, err
		}
		if err := d.align(alignOf(elem[1])); err != nil {
			return nil, err
		}
		n := int(n64)
		if d.pos+n > len(d.buf) {
			return nil, fmt.Errorf("%w: array byte-count %d exceeds remaining buffer", ErrInvalidValue, n)
		}
		// Restrict the visible buffer so a corrupt element cannot read
		// past the end of the array.
		saved := d.buf
		d.buf = d.buf[:d.pos+n]
		end := d.pos + n
		arr := []any{}
		for d.pos < end {
			v, err := d.value(elem[1:])
			if err != nil {
				d.buf = saved
				return nil, err
			}
			arr = append(arr, v)
		}
		d.buf = saved
		return arr, nil

	case 'g':
		s, err := d.shortString()
		if err != nil {
			return nil, err
		}
		return Signature(s), nil

	case 's':
		return d.longString()

	case 'o':
		s, err := d.longString()
		if err != nil {
			return nil, err
		}
		return ObjectPath(s), nil

	case 'v':
		vsigRaw, err := d.shortString()
		if err != nil {
			return nil, err
		}
		vsig := Signature(vsigRaw)
		if velem, rest, err := NextType(vsig); err != nil || rest != "" || velem != vsig {
			return nil, fmt.Errorf("%w: variant signature %q is not one complete type", ErrInvalidValue, vsig)
		}
		v, err := d.value(vsig)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: vsig, Value: v}, nil

	case 'y':
		if err := d.need(1); err != nil {
			return nil, err
		}
		v := d.buf[d.pos]
		d.pos++
		return v, nil

	case 'b':
		u, err := d.uint(4)
		if err != nil {
			return nil, err
		}
		switch u {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%w: boolean value %d", ErrInvalidValue, u)

	case 'n':
		u, err := d.uint(2)
		if err != nil {
			return nil, err
		}
		return int16(u), nil

	case 'q':
		u, err := d.uint(2)
		if err != nil {
			return nil, err
		}
		return uint16(u), nil

	case 'i':
		u, err := d.uint(4)
		if err != nil {
			return nil, err
		}
		return int32(u), nil

	case 'u', 'h':
		u, err := d.uint(4)
		if err != nil {
			return nil, err
		}
		return uint32(u), nil

	case 'x':
		u, err := d.uint(8)
		if err != nil {
			return nil, err
		}
		return int64(u), nil

	case 't':
		return d.uint(8)

	case 'd':
		u, err := d.uint(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	}
	return nil, fmt.Errorf("%w: type code %q", ErrMalformedSignature, elem[0])
}
