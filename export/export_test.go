package export_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/m-lab/go/rtx"

	"github.com/mdavidsaver/dbucket/export"
)

func echoTable(t *testing.T) *export.Table {
	t.Helper()
	obj := export.NewObject()
	rtx.Must(obj.Method("foo.bar", "Echo", "s", "s", func(args []any) ([]any, error) {
		return []any{args[0].(string) + " world"}, nil
	}), "Method failed")
	rtx.Must(obj.Method("foo.bar", "Sum", "ii", "i", func(args []any) ([]any, error) {
		return []any{args[0].(int32) + args[1].(int32)}, nil
	}), "Method failed")
	rtx.Must(obj.Method("foo.bar", "Count", "as", "u", func(args []any) ([]any, error) {
		return []any{uint32(len(args[0].([]any)))}, nil
	}), "Method failed")
	tbl := export.NewTable()
	rtx.Must(tbl.Attach("/foo/bar", obj), "Attach failed")
	return tbl
}

func TestHandleEcho(t *testing.T) {
	tbl := echoTable(t)
	body, sig, err := tbl.Handle(&export.Call{
		Path: "/foo/bar", Interface: "foo.bar", Member: "Echo", Body: "hello",
	})
	rtx.Must(err, "Handle failed")
	if sig != "s" || body != "hello world" {
		t.Errorf("Handle = (%v, %q)", body, sig)
	}
}

func TestHandleMultiArg(t *testing.T) {
	tbl := echoTable(t)
	body, sig, err := tbl.Handle(&export.Call{
		Path: "/foo/bar", Interface: "foo.bar", Member: "Sum",
		Body: []any{int32(2), int32(3)},
	})
	rtx.Must(err, "Handle failed")
	if sig != "i" || body != int32(5) {
		t.Errorf("Handle = (%v, %q)", body, sig)
	}
}

// A single array argument is not splatted into many arguments.
func TestHandleSingleArrayArg(t *testing.T) {
	tbl := echoTable(t)
	body, _, err := tbl.Handle(&export.Call{
		Path: "/foo/bar", Interface: "foo.bar", Member: "Count",
		Body: []any{"a", "b", "c"},
	})
	rtx.Must(err, "Handle failed")
	if body != uint32(3) {
		t.Errorf("Count = %v, want 3", body)
	}
}

// A call without an interface header still resolves the member.
func TestHandleNoInterface(t *testing.T) {
	tbl := echoTable(t)
	body, _, err := tbl.Handle(&export.Call{
		Path: "/foo/bar", Member: "Echo", Body: "hi",
	})
	rtx.Must(err, "Handle failed")
	if body != "hi world" {
		t.Errorf("Handle = %v", body)
	}
}

func TestHandleErrors(t *testing.T) {
	tbl := echoTable(t)
	if _, _, err := tbl.Handle(&export.Call{Path: "/nope", Member: "Echo"}); !errors.Is(err, export.ErrUnknownObject) {
		t.Errorf("unknown path error = %v", err)
	}
	if _, _, err := tbl.Handle(&export.Call{Path: "/foo/bar", Interface: "foo.bar", Member: "Nope"}); !errors.Is(err, export.ErrUnknownMethod) {
		t.Errorf("unknown member error = %v", err)
	}
	if _, _, err := tbl.Handle(&export.Call{Path: "/foo/bar", Interface: "foo.bar", Member: "Echo"}); !errors.Is(err, export.ErrInvalidArgs) {
		t.Errorf("missing body error = %v", err)
	}
	if _, _, err := tbl.Handle(&export.Call{Path: "bad", Member: "Echo"}); !errors.Is(err, export.ErrUnknownObject) {
		t.Errorf("invalid path error = %v", err)
	}
}

func TestAttachDetach(t *testing.T) {
	tbl := echoTable(t)
	if err := tbl.Attach("/foo/bar", export.NewObject()); !errors.Is(err, export.ErrPathInUse) {
		t.Errorf("duplicate Attach = %v, want ErrPathInUse", err)
	}
	rtx.Must(tbl.Detach("/foo/bar"), "Detach failed")
	if _, _, err := tbl.Handle(&export.Call{Path: "/foo/bar", Interface: "foo.bar", Member: "Echo", Body: "x"}); !errors.Is(err, export.ErrUnknownObject) {
		t.Errorf("Handle after Detach = %v, want ErrUnknownObject", err)
	}
	// The node survives for navigation and may be reoccupied.
	rtx.Must(tbl.Attach("/foo/bar", export.NewObject()), "re-Attach failed")
	if err := tbl.Detach("/foo/bar"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Detach("/foo/bar"); !errors.Is(err, export.ErrUnknownObject) {
		t.Errorf("double Detach = %v, want ErrUnknownObject", err)
	}
}

func TestIntrospectDocument(t *testing.T) {
	tbl := echoTable(t)
	doc, err := tbl.Introspect("/foo/bar")
	rtx.Must(err, "Introspect failed")
	for _, want := range []string{
		"DOCTYPE node",
		`interface name="org.freedesktop.DBus.Introspectable"`,
		`interface name="foo.bar"`,
		`method name="Echo"`,
		`arg type="s" direction="in"`,
		`arg type="s" direction="out"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document lacks %q:\n%s", want, doc)
		}
	}

	// Intermediate nodes answer Introspect with child references only.
	doc, err = tbl.Introspect("/foo")
	rtx.Must(err, "Introspect failed")
	if !strings.Contains(doc, `node name="bar"`) {
		t.Errorf("parent document lacks child reference:\n%s", doc)
	}
	if strings.Contains(doc, `interface name="foo.bar"`) {
		t.Errorf("parent document should not list the child interface:\n%s", doc)
	}
}

func TestIntrospectViaHandle(t *testing.T) {
	tbl := echoTable(t)
	body, sig, err := tbl.Handle(&export.Call{
		Path: "/foo/bar", Interface: "org.freedesktop.DBus.Introspectable", Member: "Introspect",
	})
	rtx.Must(err, "Handle failed")
	if sig != "s" {
		t.Errorf("Introspect signature %q, want s", sig)
	}
	if doc, _ := body.(string); !strings.Contains(doc, `method name="Sum"`) {
		t.Errorf("Introspect body lacks Sum:\n%v", body)
	}
}
