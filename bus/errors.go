package bus

import (
	"errors"
	"fmt"
)

// Errors returned by connection operations.
var (
	// ErrConnectionClosed reports an operation on a connection (or
	// subscriber queue) that is no longer running.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNoReply resolves a pending call when the connection closes
	// before its reply arrives.
	ErrNoReply = errors.New("connection closed before reply")
	// ErrQueueEmpty is returned by Queue.Poll when nothing is queued.
	ErrQueueEmpty = errors.New("queue empty")
)

// Well-known D-Bus error names.
const (
	ErrNameFailed         = "org.freedesktop.DBus.Error.Failed"
	ErrNameNoReply        = "org.freedesktop.DBus.Error.NoReply"
	ErrNameUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownObject  = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameInvalidArgs    = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameLimitsExceeded = "org.freedesktop.DBus.Error.LimitsExceeded"
)

// RemoteError carries a D-Bus ERROR message back to the caller: the
// symbolic error name plus the human-readable message, when the peer
// supplied one.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// IsRemoteError reports whether err is a RemoteError with the given
// D-Bus error name.
func IsRemoteError(err error, name string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Name == name
}
