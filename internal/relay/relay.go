// Package relay implements the traffic-mirroring TCP relay.
//
// Every accepted client gets a Session. The session dials all configured
// upstreams concurrently, then runs one task per edge of a small graph:
//
//	client  -> all upstreams   broadcast loop (same chunks, same order)
//	primary -> client          return pump
//	shadow  -> discard         one discard pump per shadow
//
// Only the primary's responses reach the client. The session owns every
// socket; pumps borrow them and never close them.
package relay

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultBufferSize is the chunk size used when none is configured.
const DefaultBufferSize = 32 * 1024

var (
	// ErrPrimaryUnreachable means the primary upstream could not be dialed,
	// so the session has no return path.
	ErrPrimaryUnreachable = errors.New("primary upstream unreachable")

	// ErrNoUpstreams means no upstream was available to relay to.
	ErrNoUpstreams = errors.New("no upstream available")
)

// DialError records a failed upstream dial.
type DialError struct {
	Addr    string
	Primary bool
	Err     error
}

func (e *DialError) Error() string {
	role := "shadow"
	if e.Primary {
		role = "primary"
	}
	return fmt.Sprintf("dial %s upstream %s: %v", role, e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// isInterrupted reports whether err is an interrupted system call, which is
// retried rather than treated as end of stream.
func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
