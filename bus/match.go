package bus

import (
	"fmt"
	"strings"
)

// Condition is a set of equality predicates over event fields.  Empty
// fields are wildcards.  A Path ending in "/*" is normalized into a
// PathNamespace prefix match.
type Condition struct {
	Type        string // "signal", "method_call", ... or empty
	Sender      string
	Interface   string
	Member      string
	Path        string
	PathNamespace string
	Destination string

	// local conditions match without a daemon-side AddMatch.  Used for
	// the implicitly delivered daemon signals.
	local bool
}

// normalize applies the "/A/*" → path_namespace="/A" rewrite and
// rejects senders the daemon would never deliver: signals always carry
// the originator's unique name, so matching on another well-known name
// can never succeed.
func (c *Condition) normalize() error {
	if strings.HasSuffix(c.Path, "/*") {
		c.PathNamespace = strings.TrimSuffix(c.Path, "/*")
		c.Path = ""
	}
	if c.Sender != "" && c.Sender != BusName && !IsUniqueName(c.Sender) {
		return fmt.Errorf("match with sender=%q cannot meet a well-known name", c.Sender)
	}
	return nil
}

// Expr serializes the condition as a canonical D-Bus match expression.
func (c *Condition) Expr() string {
	var terms []string
	add := func(key, val string) {
		if val != "" {
			terms = append(terms, key+"="+escapeMatch(val))
		}
	}
	add("type", c.Type)
	add("sender", c.Sender)
	add("interface", c.Interface)
	add("member", c.Member)
	add("path", c.Path)
	add("path_namespace", c.PathNamespace)
	add("destination", c.Destination)
	return strings.Join(terms, ",")
}

// Test reports whether ev satisfies every specified predicate.
func (c *Condition) Test(ev *Event) bool {
	if c.Type != "" && c.Type != ev.Type.String() {
		return false
	}
	if c.Sender != "" && c.Sender != ev.Sender {
		return false
	}
	if c.Interface != "" && c.Interface != ev.Interface {
		return false
	}
	if c.Member != "" && c.Member != ev.Member {
		return false
	}
	if c.Path != "" && c.Path != ev.Path {
		return false
	}
	if c.PathNamespace != "" && !pathInNamespace(ev.Path, c.PathNamespace) {
		return false
	}
	if c.Destination != "" && c.Destination != ev.Destination {
		return false
	}
	return true
}

func (c *Condition) String() string {
	return fmt.Sprintf("Condition(%s)", c.Expr())
}

func pathInNamespace(path, ns string) bool {
	if ns == "/" {
		return true
	}
	return path == ns || strings.HasPrefix(path, ns+"/")
}

// escapeMatch single-quotes a match value, escaping embedded quotes in
// the shell style the daemon expects: ' closes the quote, \' supplies
// the literal, ' reopens.
func escapeMatch(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	var b strings.Builder
	for i, part := range strings.Split(s, "'") {
		if i > 0 {
			b.WriteString(`\'`)
		}
		if part != "" {
			b.WriteString("'" + part + "'")
		}
	}
	return b.String()
}
