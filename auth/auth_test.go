package auth_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/rtx"
	"golang.org/x/sys/unix"

	"github.com/mdavidsaver/dbucket/auth"
)

func TestParseAddress(t *testing.T) {
	got := auth.ParseAddress("unix:path=/run/user/1000/bus,guid=abcdef")
	want := auth.Endpoint{"unix:path": "/run/user/1000/bus", "guid": "abcdef"}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}

	got = auth.ParseAddress("unix:abstract=/tmp/dbus-sock")
	if got["unix:abstract"] != "/tmp/dbus-sock" {
		t.Errorf("abstract endpoint %v", got)
	}
}

func TestSessionEndpointsFromEnv(t *testing.T) {
	cleanup := osx.MustSetenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/tmp/test-bus")
	defer cleanup()
	eps := auth.SessionEndpoints()
	if len(eps) == 0 || eps[0]["unix:path"] != "/tmp/test-bus" {
		t.Errorf("SessionEndpoints = %v", eps)
	}
}

func TestSessionEndpointsFromFiles(t *testing.T) {
	cleanupAddr := osx.MustSetenv("DBUS_SESSION_BUS_ADDRESS", "")
	defer cleanupAddr()
	home := t.TempDir()
	cleanupHome := osx.MustSetenv("HOME", home)
	defer cleanupHome()

	dir := filepath.Join(home, ".dbus", "session-bus")
	rtx.Must(os.MkdirAll(dir, 0755), "Could not create session-bus dir")
	content := "# comment\nDBUS_SESSION_BUS_ADDRESS=unix:path=/tmp/file-bus\nDBUS_SESSION_BUS_PID=123\n"
	rtx.Must(os.WriteFile(filepath.Join(dir, "host-0"), []byte(content), 0644), "Could not write state file")

	eps := auth.SessionEndpoints()
	if len(eps) != 1 || eps[0]["unix:path"] != "/tmp/file-bus" {
		t.Errorf("SessionEndpoints = %v", eps)
	}
}

// fakeDaemon answers the handshake on a real unix socket.  mode picks
// the scripted behavior.
func fakeDaemon(t *testing.T, mode string) []auth.Endpoint {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bus.sock")
	l, err := net.Listen("unix", sock)
	rtx.Must(err, "Could not listen")
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveHandshake(conn, mode)
		}
	}()
	return []auth.Endpoint{{"unix:path": sock}}
}

func serveHandshake(conn net.Conn, mode string) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	nul := make([]byte, 1)
	if _, err := r.Read(nul); err != nil || nul[0] != 0 {
		return
	}
	if mode == "garbage" {
		fmt.Fprintf(conn, "I am not a message bus\r\n")
		return
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "AUTH":
			fmt.Fprintf(conn, "REJECTED EXTERNAL ANONYMOUS\r\n")
		case strings.HasPrefix(line, "AUTH EXTERNAL "):
			wantUID := strings.ToUpper(fmt.Sprintf("%x", []byte(fmt.Sprintf("%d", unix.Getuid()))))
			if mode == "anonymous-only" {
				fmt.Fprintf(conn, "REJECTED ANONYMOUS\r\n")
			} else if strings.TrimPrefix(line, "AUTH EXTERNAL ") != wantUID {
				fmt.Fprintf(conn, "REJECTED EXTERNAL\r\n")
			} else {
				fmt.Fprintf(conn, "OK 1234deadbeef\r\n")
			}
		case strings.HasPrefix(line, "AUTH ANONYMOUS"):
			fmt.Fprintf(conn, "OK 1234deadbeef\r\n")
		case line == "BEGIN":
			// Hold the authenticated stream open briefly so the
			// client side can finish.
			time.Sleep(100 * time.Millisecond)
			return
		}
	}
}

func TestDialExternal(t *testing.T) {
	eps := fakeDaemon(t, "external")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, info, err := auth.Dial(ctx, eps, nil)
	rtx.Must(err, "Dial failed")
	defer sock.Close()
	if info.Mechanism != "EXTERNAL" {
		t.Errorf("mechanism %q, want EXTERNAL", info.Mechanism)
	}
	if info.GUID != "1234deadbeef" {
		t.Errorf("guid %q", info.GUID)
	}
}

func TestDialFallsBackToAnonymous(t *testing.T) {
	eps := fakeDaemon(t, "anonymous-only")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, info, err := auth.Dial(ctx, eps, nil)
	rtx.Must(err, "Dial failed")
	defer sock.Close()
	if info.Mechanism != "ANONYMOUS" {
		t.Errorf("mechanism %q, want ANONYMOUS", info.Mechanism)
	}
}

func TestDialRestrictedMechanisms(t *testing.T) {
	eps := fakeDaemon(t, "anonymous-only")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := auth.Dial(ctx, eps, &auth.Options{Mechanisms: []string{"EXTERNAL"}})
	if !errors.Is(err, auth.ErrNoBus) {
		t.Errorf("expected ErrNoBus, got %v", err)
	}
}

func TestDialNotABus(t *testing.T) {
	eps := fakeDaemon(t, "garbage")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := auth.Dial(ctx, eps, nil)
	if !errors.Is(err, auth.ErrNoBus) {
		t.Errorf("expected ErrNoBus, got %v", err)
	}
}

// A dead endpoint is skipped; a later live one wins.
func TestDialSkipsDeadEndpoint(t *testing.T) {
	live := fakeDaemon(t, "external")
	eps := []auth.Endpoint{
		{"unix:path": filepath.Join(t.TempDir(), "nobody-home.sock")},
		live[0],
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, info, err := auth.Dial(ctx, eps, nil)
	rtx.Must(err, "Dial failed")
	defer sock.Close()
	if diff := deep.Equal(info.Endpoint, live[0]); diff != nil {
		t.Error(diff)
	}
}

func TestDialNoEndpoints(t *testing.T) {
	ctx := context.Background()
	if _, _, err := auth.Dial(ctx, nil, nil); !errors.Is(err, auth.ErrNoBus) {
		t.Errorf("expected ErrNoBus, got %v", err)
	}
}
