package bus

import "regexp"

var (
	interfaceRe = regexp.MustCompile(`^[A-Za-z0-9_]+\.(?:[A-Za-z0-9_]+\.)*[A-Za-z0-9_]+$`)
	uniqueRe    = regexp.MustCompile(`^:[A-Za-z0-9_-]+\.(?:[A-Za-z0-9_-]+\.)*[A-Za-z0-9_-]+$`)
	memberRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pathRe      = regexp.MustCompile(`^/$|^(?:/[A-Za-z0-9_]+)+$`)
)

// IsInterfaceName reports whether s is a dotted interface (or
// well-known bus) name.
func IsInterfaceName(s string) bool {
	return interfaceRe.MatchString(s)
}

// IsUniqueName reports whether s is a daemon-assigned unique name of
// the form ":X.Y".
func IsUniqueName(s string) bool {
	return uniqueRe.MatchString(s)
}

// IsBusName reports whether s can address a peer: either a unique name
// or a well-known name.
func IsBusName(s string) bool {
	return IsUniqueName(s) || IsInterfaceName(s)
}

// IsMemberName reports whether s is a valid method or signal name.
func IsMemberName(s string) bool {
	return memberRe.MatchString(s)
}

// IsObjectPath reports whether s is a well-formed object path.
func IsObjectPath(s string) bool {
	return pathRe.MatchString(s)
}
