package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/mdavidsaver/dbucket/wire"
)

// Actual bus message headers captured from a session daemon: the
// initial Hello call, its reply, and the NameAcquired signal that
// follows.
const (
	helloHeader = "l\x01\x00\x01\x00\x00\x00\x00\x01\x00\x00\x00n\x00\x00\x00" +
		"\x01\x01o\x00\x15\x00\x00\x00/org/freedesktop/DBus\x00\x00\x00" +
		"\x06\x01s\x00\x14\x00\x00\x00org.freedesktop.DBus\x00\x00\x00\x00" +
		"\x02\x01s\x00\x14\x00\x00\x00org.freedesktop.DBus\x00\x00\x00\x00" +
		"\x03\x01s\x00\x05\x00\x00\x00Hello\x00"

	helloReply = "l\x02\x01\x01\x0b\x00\x00\x00\x01\x00\x00\x00=\x00\x00\x00" +
		"\x06\x01s\x00\x06\x00\x00\x00:1.336\x00\x00" +
		"\x05\x01u\x00\x01\x00\x00\x00" +
		"\x08\x01g\x00\x01s\x00\x00" +
		"\x07\x01s\x00\x14\x00\x00\x00org.freedesktop.DBus\x00"

	nameAcquired = "l\x04\x01\x01\x0b\x00\x00\x00\x02\x00\x00\x00\x8d\x00\x00\x00" +
		"\x01\x01o\x00\x15\x00\x00\x00/org/freedesktop/DBus\x00\x00\x00" +
		"\x02\x01s\x00\x14\x00\x00\x00org.freedesktop.DBus\x00\x00\x00\x00" +
		"\x03\x01s\x00\x0c\x00\x00\x00NameAcquired\x00\x00\x00\x00" +
		"\x06\x01s\x00\x06\x00\x00\x00:1.336\x00\x00" +
		"\x08\x01g\x00\x01s\x00\x00" +
		"\x07\x01s\x00\x14\x00\x00\x00org.freedesktop.DBus\x00"
)

func helloHeaderValue() []any {
	return []any{
		byte(108), byte(1), byte(0), byte(1), uint32(0), uint32(1),
		[]any{
			[]any{byte(1), wire.ObjectPath("/org/freedesktop/DBus")},
			[]any{byte(6), "org.freedesktop.DBus"},
			[]any{byte(2), "org.freedesktop.DBus"},
			[]any{byte(3), "Hello"},
		},
	}
}

func TestMarshalExact(t *testing.T) {
	cases := []struct {
		sig    wire.Signature
		val    []any
		expect string
	}{
		{"y", []any{byte(97)}, "a"},
		{"yy", []any{byte(97), byte(98)}, "ab"},
		{"u", []any{uint32(0x61626364)}, "dcba"},
		// uint32 is aligned to 4 bytes
		{"yu", []any{byte('e'), uint32(0x61626364)}, "e\x00\x00\x00dcba"},
		// struct is aligned to 8 bytes
		{"y(yy)", []any{byte(97), []any{byte(98), byte(99)}}, "a\x00\x00\x00\x00\x00\x00\x00bc"},
		{"uayu", []any{uint32(1633837924), []byte("1234"), uint32(1633837924)},
			"dcba\x04\x00\x00\x001234dcba"},
		{"yayu", []any{byte(99), []byte("1234"), uint32(1633837924)},
			"c\x00\x00\x00\x04\x00\x00\x001234dcba"},
		{"b", []any{true}, "\x01\x00\x00\x00"},
		{"b", []any{false}, "\x00\x00\x00\x00"},
		// Hello method call header
		{"yyyyuua(yv)", helloHeaderValue(), helloHeader},
		// Hello method return header
		{"yyyyuua(yv)", []any{
			byte(108), byte(2), byte(1), byte(1), uint32(11), uint32(1),
			[]any{
				[]any{byte(6), ":1.336"},
				[]any{byte(5), uint32(1)},
				[]any{byte(8), wire.Signature("s")},
				[]any{byte(7), "org.freedesktop.DBus"},
			},
		}, helloReply},
		// NameAcquired signal header
		{"yyyyuua(yv)", []any{
			byte(108), byte(4), byte(1), byte(1), uint32(11), uint32(2),
			[]any{
				[]any{byte(1), wire.ObjectPath("/org/freedesktop/DBus")},
				[]any{byte(2), "org.freedesktop.DBus"},
				[]any{byte(3), "NameAcquired"},
				[]any{byte(6), ":1.336"},
				[]any{byte(8), wire.Signature("s")},
				[]any{byte(7), "org.freedesktop.DBus"},
			},
		}, nameAcquired},
	}
	for _, tc := range cases {
		got, err := wire.MarshalOrder(binary.LittleEndian, tc.sig, tc.val...)
		if err != nil {
			t.Errorf("Marshal(%q) failed: %v", tc.sig, err)
			continue
		}
		if !bytes.Equal(got, []byte(tc.expect)) {
			t.Errorf("Marshal(%q) = %q, want %q", tc.sig, got, tc.expect)
		}
	}
}

func TestUnmarshalExact(t *testing.T) {
	cases := []struct {
		sig    wire.Signature
		input  string
		expect []any
	}{
		{"y", "a", []any{byte(97)}},
		{"yy", "ab", []any{byte(97), byte(98)}},
		{"yu", "e\x00\x00\x00dcba", []any{byte('e'), uint32(0x61626364)}},
		{"y(yy)", "a\x00\x00\x00\x00\x00\x00\x00bc",
			[]any{byte(97), []any{byte(98), byte(99)}}},
		{"yayu", "c\x00\x00\x00\x04\x00\x00\x001234dcba",
			[]any{byte(99), []any{byte(49), byte(50), byte(51), byte(52)}, uint32(1633837924)}},
		{"b", "\x01\x00\x00\x00", []any{true}},
		// Hello method return header; variants keep their signatures
		{"yyyyuua(yv)", helloReply, []any{
			byte(108), byte(2), byte(1), byte(1), uint32(11), uint32(1),
			[]any{
				[]any{byte(6), wire.Variant{Sig: "s", Value: ":1.336"}},
				[]any{byte(5), wire.Variant{Sig: "u", Value: uint32(1)}},
				[]any{byte(8), wire.Variant{Sig: "g", Value: wire.Signature("s")}},
				[]any{byte(7), wire.Variant{Sig: "s", Value: "org.freedesktop.DBus"}},
			},
		}},
		{"yyyyuua(yv)", nameAcquired, []any{
			byte(108), byte(4), byte(1), byte(1), uint32(11), uint32(2),
			[]any{
				[]any{byte(1), wire.Variant{Sig: "o", Value: wire.ObjectPath("/org/freedesktop/DBus")}},
				[]any{byte(2), wire.Variant{Sig: "s", Value: "org.freedesktop.DBus"}},
				[]any{byte(3), wire.Variant{Sig: "s", Value: "NameAcquired"}},
				[]any{byte(6), wire.Variant{Sig: "s", Value: ":1.336"}},
				[]any{byte(8), wire.Variant{Sig: "g", Value: wire.Signature("s")}},
				[]any{byte(7), wire.Variant{Sig: "s", Value: "org.freedesktop.DBus"}},
			},
		}},
	}
	for _, tc := range cases {
		got, err := wire.Unmarshal(binary.LittleEndian, tc.sig, []byte(tc.input))
		if err != nil {
			t.Errorf("Unmarshal(%q) failed: %v", tc.sig, err)
			continue
		}
		if diff := deep.Equal(got, tc.expect); diff != nil {
			t.Errorf("Unmarshal(%q): %v", tc.sig, diff)
		}

		// Decoded values re-encode to the original bytes.
		back, err := wire.MarshalOrder(binary.LittleEndian, tc.sig, got...)
		if err != nil {
			t.Errorf("re-Marshal(%q) failed: %v", tc.sig, err)
			continue
		}
		if !bytes.Equal(back, []byte(tc.input)) {
			t.Errorf("re-Marshal(%q) = %q, want %q", tc.sig, back, tc.input)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		sig wire.Signature
		val []any
	}{
		{"nqixtd", []any{int16(-2), uint16(7), int32(-70000), int64(-1 << 40), uint64(1 << 50), float64(3.25)}},
		{"s", []any{"hello world"}},
		{"o", []any{wire.ObjectPath("/foo/bar")}},
		{"g", []any{wire.Signature("a{sv}")}},
		{"as", []any{[]any{"one", "two", "three"}}},
		{"aai", []any{[]any{[]any{int32(1), int32(2)}, []any{}, []any{int32(3)}}}},
		{"a(is)", []any{[]any{[]any{int32(1), "x"}, []any{int32(2), "y"}}}},
		{"a{sv}", []any{[]any{
			[]any{"answer", wire.Variant{Sig: "i", Value: int32(42)}},
			[]any{"path", wire.Variant{Sig: "o", Value: wire.ObjectPath("/a/b")}},
		}}},
		{"v", []any{wire.Variant{Sig: "as", Value: []any{"nested"}}}},
		{"a(yv)", []any{[]any{}}},
		{"ax", []any{[]any{int64(1), int64(2)}}}, // 8-aligned elements behind the count
	}
	orders := []binary.ByteOrder{binary.LittleEndian, binary.BigEndian}
	for _, tc := range cases {
		for _, order := range orders {
			raw, err := wire.MarshalOrder(order, tc.sig, tc.val...)
			if err != nil {
				t.Errorf("Marshal(%q, %v) failed: %v", tc.sig, order, err)
				continue
			}
			got, err := wire.Unmarshal(order, tc.sig, raw)
			if err != nil {
				t.Errorf("Unmarshal(%q, %v) failed: %v", tc.sig, order, err)
				continue
			}
			if diff := deep.Equal(got, tc.val); diff != nil {
				t.Errorf("round trip (%q, %v): %v", tc.sig, order, diff)
			}
		}
	}
}

// Array padding to an 8-byte element boundary is not included in the
// array byte-count.
func TestArrayElementPadding(t *testing.T) {
	raw, err := wire.MarshalOrder(binary.LittleEndian, "ax", []any{int64(5)})
	if err != nil {
		t.Fatal(err)
	}
	expect := []byte{
		8, 0, 0, 0, // count: one int64, pad excluded
		0, 0, 0, 0, // pad to 8
		5, 0, 0, 0, 0, 0, 0, 0,
	}
	if !bytes.Equal(raw, expect) {
		t.Errorf("got % x, want % x", raw, expect)
	}
}

func TestVariantInference(t *testing.T) {
	cases := []struct {
		val    any
		expect wire.Signature
	}{
		{"text", "s"},
		{wire.ObjectPath("/x"), "o"},
		{wire.Signature("ii"), "g"},
		{byte(1), "y"},
		{true, "b"},
		{int32(-1), "i"},
		{uint32(1), "u"},
		{int64(-1), "x"},
		{uint64(1), "t"},
		{float64(1.5), "d"},
	}
	for _, tc := range cases {
		raw, err := wire.Marshal("v", tc.val)
		if err != nil {
			t.Errorf("Marshal(v, %#v) failed: %v", tc.val, err)
			continue
		}
		got, err := wire.Unmarshal(wire.HostOrder, "v", raw)
		if err != nil {
			t.Errorf("Unmarshal(v) failed: %v", err)
			continue
		}
		v := got[0].(wire.Variant)
		if v.Sig != tc.expect {
			t.Errorf("inferred %q for %#v, want %q", v.Sig, tc.val, tc.expect)
		}
	}

	if _, err := wire.Marshal("v", struct{}{}); !errors.Is(err, wire.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for uninferable variant, got %v", err)
	}
}

func TestMarshalErrors(t *testing.T) {
	cases := []struct {
		sig    wire.Signature
		val    []any
		expect error
	}{
		{"a", []any{[]any{}}, wire.ErrMalformedSignature},
		{"(ii", []any{[]any{int32(1), int32(1)}}, wire.ErrMalformedSignature},
		{"z", []any{0}, wire.ErrMalformedSignature},
		{"i", []any{"not an int"}, wire.ErrInvalidValue},
		{"y", []any{300}, wire.ErrInvalidValue},
		{"n", []any{1 << 20}, wire.ErrInvalidValue},
		{"s", []any{"bad \xff utf8"}, wire.ErrInvalidValue},
		{"ii", []any{int32(1)}, wire.ErrInvalidValue},
		{"a{vs}", []any{[]any{}}, wire.ErrMalformedSignature}, // non-basic key
	}
	for _, tc := range cases {
		_, err := wire.Marshal(tc.sig, tc.val...)
		if !errors.Is(err, tc.expect) {
			t.Errorf("Marshal(%q) error = %v, want %v", tc.sig, err, tc.expect)
		}
	}
}

func TestUnmarshalErrors(t *testing.T) {
	cases := []struct {
		sig    wire.Signature
		input  string
		expect error
	}{
		{"u", "ab", wire.ErrShortBuffer},
		{"s", "\x05\x00\x00\x00ab", wire.ErrShortBuffer},
		{"y", "ab", wire.ErrTrailingBytes},
		{"b", "\x02\x00\x00\x00", wire.ErrInvalidValue},
		// array count larger than the remaining buffer
		{"ay", "\xff\x00\x00\x00a", wire.ErrInvalidValue},
		{"q", "", wire.ErrShortBuffer},
	}
	for _, tc := range cases {
		_, err := wire.Unmarshal(binary.LittleEndian, tc.sig, []byte(tc.input))
		if !errors.Is(err, tc.expect) {
			t.Errorf("Unmarshal(%q, %q) error = %v, want %v", tc.sig, tc.input, err, tc.expect)
		}
	}
}
