// Package auth opens a transport to a local D-Bus daemon and performs
// the line-oriented SASL handshake.  It yields an authenticated binary
// stream; everything after BEGIN belongs to the connection layer.
//
// Supported transports are unix filesystem sockets and abstract-
// namespace sockets.  Supported mechanisms are EXTERNAL and ANONYMOUS.
package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/m-lab/go/logx"
	"golang.org/x/sys/unix"
)

// Errors returned while locating or attaching to a bus.
var (
	ErrNoBus      = errors.New("no usable bus endpoint")
	ErrAuthFailed = errors.New("bus authentication failed")
)

// Endpoint describes one candidate bus location as transport
// parameters, e.g. {"unix:path": "/run/dbus/system_bus_socket"}.
type Endpoint map[string]string

// ParseAddress splits one comma-separated key=value bus address into an
// Endpoint.  The transport prefix stays glued to its first key, so
// "unix:path=/x,guid=y" parses to {"unix:path": "/x", "guid": "y"}.
func ParseAddress(addr string) Endpoint {
	ep := Endpoint{}
	for _, kv := range strings.Split(addr, ",") {
		k, v, _ := strings.Cut(kv, "=")
		ep[k] = v
	}
	return ep
}

// Info records how a connection was established.
type Info struct {
	Endpoint  Endpoint
	Mechanism string
	GUID      string // server guid from the OK line, if present
}

// Options adjusts the handshake.  The zero value allows EXTERNAL and
// ANONYMOUS, attempted in that order.
type Options struct {
	Mechanisms []string
}

func (o *Options) allowed(mech string) bool {
	if o == nil || len(o.Mechanisms) == 0 {
		return mech == "EXTERNAL" || mech == "ANONYMOUS"
	}
	for _, m := range o.Mechanisms {
		if m == mech {
			return true
		}
	}
	return false
}

// Dial tries each endpoint in order until one yields an authenticated
// stream.  Handshake failures close the socket and move on; if no
// endpoint succeeds the last error is wrapped under ErrNoBus.
func Dial(ctx context.Context, endpoints []Endpoint, opts *Options) (net.Conn, *Info, error) {
	var lastErr error
	for _, ep := range endpoints {
		logx.Debug.Println("trying bus", ep)
		sock, err := dialEndpoint(ctx, ep)
		if err != nil {
			if sock != nil {
				sock.Close()
			}
			lastErr = err
			continue
		}
		info, err := handshake(ctx, sock, ep, opts)
		if err != nil {
			sock.Close()
			logx.Debug.Printf("handshake with %v failed: %v", ep, err)
			lastErr = err
			continue
		}
		return sock, info, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no supported transport")
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrNoBus, lastErr)
}

func dialEndpoint(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var d net.Dialer
	if name, ok := ep["unix:abstract"]; ok {
		return d.DialContext(ctx, "unix", "\x00"+name)
	}
	if path, ok := ep["unix:path"]; ok {
		return d.DialContext(ctx, "unix", path)
	}
	return nil, fmt.Errorf("no supported transport in %v", ep)
}

// handshake drives the CRLF text phase: preamble zero byte, AUTH probe,
// mechanism attempts, BEGIN.
func handshake(ctx context.Context, sock net.Conn, ep Endpoint, opts *Options) (*Info, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := sock.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer sock.SetDeadline(time.Time{})

	r := bufio.NewReader(sock)

	// Probe with a bare AUTH; the daemon answers REJECTED followed by
	// the mechanisms it offers.
	if _, err := sock.Write([]byte("\x00AUTH\r\n")); err != nil {
		return nil, err
	}
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "REJECTED") {
		return nil, fmt.Errorf("%w: not a dbus daemon: %q", ErrAuthFailed, line)
	}
	offered := strings.Fields(line)[1:]
	logx.Debug.Println("advertised auth mechanisms:", offered)
	isOffered := make(map[string]bool, len(offered))
	for _, m := range offered {
		isOffered[m] = true
	}

	// EXTERNAL is preferred whatever order the daemon lists them in.
	for _, mech := range []string{"EXTERNAL", "ANONYMOUS"} {
		if !isOffered[mech] || !opts.allowed(mech) {
			continue
		}
		var initial string
		switch mech {
		case "EXTERNAL":
			initial = hexify(fmt.Sprintf("%d", unix.Getuid()))
		case "ANONYMOUS":
			initial = hexify("dbucket")
		default:
			continue
		}
		if _, err := fmt.Fprintf(sock, "AUTH %s %s\r\n", mech, initial); err != nil {
			return nil, err
		}
		line, err = readLine(r)
		if err != nil {
			return nil, err
		}
		switch {
		case strings.HasPrefix(line, "OK"):
			if _, err := sock.Write([]byte("BEGIN\r\n")); err != nil {
				return nil, err
			}
			info := &Info{Endpoint: ep, Mechanism: mech}
			if fields := strings.Fields(line); len(fields) > 1 {
				info.GUID = fields[1]
			}
			logx.Debug.Println("authenticated with", mech)
			if r.Buffered() != 0 {
				return nil, fmt.Errorf("%w: daemon sent data before BEGIN", ErrAuthFailed)
			}
			return info, nil
		case strings.HasPrefix(line, "REJECTED"):
			logx.Debug.Printf("%s rejected: %q", mech, line)
		default:
			return nil, fmt.Errorf("%w: unexpected %s response %q", ErrAuthFailed, mech, line)
		}
	}
	return nil, fmt.Errorf("%w: no mechanism accepted", ErrAuthFailed)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// hexify spells a handshake argument as uppercase hex of its ASCII
// bytes, as the SASL profile requires.
func hexify(s string) string {
	return strings.ToUpper(fmt.Sprintf("%x", []byte(s)))
}
