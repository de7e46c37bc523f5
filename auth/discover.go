package auth

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// SessionEndpoints lists candidate session bus locations: the
// DBUS_SESSION_BUS_ADDRESS environment variable when set, then the
// address lines of the files dbus-launch leaves under
// ~/.dbus/session-bus/.
func SessionEndpoints() []Endpoint {
	var eps []Endpoint
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		eps = append(eps, ParseAddress(addr))
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return eps
	}
	entries, err := os.ReadDir(filepath.Join(home, ".dbus", "session-bus"))
	if err != nil {
		return eps
	}
	for _, entry := range entries {
		if ep := sessionFileEndpoint(filepath.Join(home, ".dbus", "session-bus", entry.Name())); ep != nil {
			eps = append(eps, ep)
		}
	}
	return eps
}

// sessionFileEndpoint pulls the first DBUS_SESSION_BUS_ADDRESS= line
// out of one dbus-launch state file.
func sessionFileEndpoint(name string) Endpoint {
	f, err := os.Open(name)
	if err != nil {
		return nil
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if strings.HasPrefix(line, "DBUS_SESSION_BUS_ADDRESS=") {
			return ParseAddress(strings.TrimPrefix(line, "DBUS_SESSION_BUS_ADDRESS="))
		}
	}
	return nil
}

// SystemEndpoints lists the conventional system bus socket.
func SystemEndpoints() []Endpoint {
	return []Endpoint{{"unix:path": "/var/run/dbus/system_bus_socket"}}
}
