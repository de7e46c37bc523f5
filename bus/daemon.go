package bus

import (
	"context"
	"fmt"

	"github.com/mdavidsaver/dbucket/wire"
)

// RequestName flags.
const (
	NameFlagAllowReplacement uint32 = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestName results.
const (
	RequestNameReplyPrimaryOwner uint32 = iota + 1
	RequestNameReplyInQueue
	RequestNameReplyExists
	RequestNameReplyAlreadyOwner
)

// ReleaseName results.
const (
	ReleaseNameReplyReleased uint32 = iota + 1
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

// busCall invokes a daemon method on org.freedesktop.DBus.
func (c *Conn) busCall(ctx context.Context, member string, sig wire.Signature, body any) (any, error) {
	return c.Call(ctx, CallMsg{
		Destination: BusName, Path: BusPath, Interface: BusName,
		Member: member, Signature: sig, Body: body,
	})
}

// ListNames returns every name currently on the bus, unique names and
// well-known names alike.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	ret, err := c.busCall(ctx, "ListNames", "", nil)
	if err != nil {
		return nil, err
	}
	return stringSlice(ret)
}

// RequestName asks the daemon for a well-known name.
func (c *Conn) RequestName(ctx context.Context, name string, flags uint32) (uint32, error) {
	ret, err := c.busCall(ctx, "RequestName", "su", []any{name, flags})
	if err != nil {
		return 0, err
	}
	return uint32Value(ret)
}

// ReleaseName gives a well-known name back.
func (c *Conn) ReleaseName(ctx context.Context, name string) (uint32, error) {
	ret, err := c.busCall(ctx, "ReleaseName", "s", name)
	if err != nil {
		return 0, err
	}
	return uint32Value(ret)
}

// NameHasOwner reports whether any connection currently owns name.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	ret, err := c.busCall(ctx, "NameHasOwner", "s", name)
	if err != nil {
		return false, err
	}
	b, ok := ret.(bool)
	if !ok {
		return false, fmt.Errorf("%w: NameHasOwner returned %T", wire.ErrInvalidValue, ret)
	}
	return b, nil
}

// GetNameOwner resolves a well-known name to the unique name owning it.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	ret, err := c.busCall(ctx, "GetNameOwner", "s", name)
	if err != nil {
		return "", err
	}
	return stringValue(ret)
}

// GetConnectionUnixUser returns the uid of the peer owning name.
func (c *Conn) GetConnectionUnixUser(ctx context.Context, name string) (uint32, error) {
	ret, err := c.busCall(ctx, "GetConnectionUnixUser", "s", name)
	if err != nil {
		return 0, err
	}
	return uint32Value(ret)
}

// GetConnectionUnixProcessID returns the pid of the peer owning name.
func (c *Conn) GetConnectionUnixProcessID(ctx context.Context, name string) (uint32, error) {
	ret, err := c.busCall(ctx, "GetConnectionUnixProcessID", "s", name)
	if err != nil {
		return 0, err
	}
	return uint32Value(ret)
}

// GetConnectionCredentials returns the daemon's credential record for
// the peer owning name.  Known keys include "UnixUserID" and
// "ProcessID"; values keep their variant tags.
func (c *Conn) GetConnectionCredentials(ctx context.Context, name string) (map[string]wire.Variant, error) {
	ret, err := c.busCall(ctx, "GetConnectionCredentials", "s", name)
	if err != nil {
		return nil, err
	}
	entries, ok := ret.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a{sv}, got %T", wire.ErrInvalidValue, ret)
	}
	creds := make(map[string]wire.Variant, len(entries))
	for _, e := range entries {
		pair, ok := e.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: malformed credentials entry", wire.ErrInvalidValue)
		}
		key, kok := pair[0].(string)
		val, vok := pair[1].(wire.Variant)
		if !kok || !vok {
			return nil, fmt.Errorf("%w: malformed credentials entry", wire.ErrInvalidValue)
		}
		creds[key] = val
	}
	return creds, nil
}

// GetId returns the daemon's persistent id.
func (c *Conn) GetId(ctx context.Context) (string, error) {
	ret, err := c.busCall(ctx, "GetId", "", nil)
	if err != nil {
		return "", err
	}
	return stringValue(ret)
}

// Ping exercises org.freedesktop.DBus.Peer on dest; the daemon itself
// when dest is empty.
func (c *Conn) Ping(ctx context.Context, dest string) error {
	if dest == "" {
		dest = BusName
	}
	_, err := c.Call(ctx, CallMsg{
		Destination: dest, Path: BusPath,
		Interface: "org.freedesktop.DBus.Peer", Member: "Ping",
	})
	return err
}

func stringValue(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected string, got %T", wire.ErrInvalidValue, v)
	}
	return s, nil
}

func uint32Value(v any) (uint32, error) {
	u, ok := v.(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: expected uint32, got %T", wire.ErrInvalidValue, v)
	}
	return u, nil
}

func stringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got %T", wire.ErrInvalidValue, v)
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string element, got %T", wire.ErrInvalidValue, e)
		}
		out = append(out, s)
	}
	return out, nil
}
