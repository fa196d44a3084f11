package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrBusy is returned when a connect is requested while another
	// connect is still in flight.
	ErrBusy = errors.New("connection attempt already in progress")

	// ErrNoSession is returned by operations that require a connected session.
	ErrNoSession = errors.New("no active session")

	// ErrNotFound is returned when a remote path does not exist.
	ErrNotFound = errors.New("remote path not found")

	// ErrNotADirectory is returned when navigation targets an existing
	// path that is not a directory.
	ErrNotADirectory = errors.New("remote path is not a directory")

	// ErrStale is returned by the directory cache after invalidation,
	// until a fresh navigate repopulates it.
	ErrStale = errors.New("directory listing is stale")

	// ErrConflict is returned when a mutating job targets a remote path
	// that already has a mutating job in flight.
	ErrConflict = errors.New("conflicting operation in flight for remote path")

	// ErrNotUTF8 is returned when a file opened for editing is not valid UTF-8.
	ErrNotUTF8 = errors.New("file content is not valid UTF-8 text")

	// ErrTooLarge is returned when a file opened for editing exceeds the
	// configured size ceiling.
	ErrTooLarge = errors.New("file exceeds the maximum editable size")

	// ErrTransferCancelled is returned when a transfer is cancelled by the caller.
	ErrTransferCancelled = errors.New("transfer cancelled")
)

// AuthError indicates the remote host rejected our credentials.
type AuthError struct {
	Host string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates the remote host could not be reached.
type NetworkError struct {
	Host string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error connecting to %s: %v", e.Host, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HostKeyError indicates host key verification failed: the key is unknown
// under a reject-unknown policy, or it does not match the recorded key.
type HostKeyError struct {
	Host string
	Err  error
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key verification failed for %s: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

// Transport error codes.
const (
	TransportCodeConnectionLost = "connection-lost"
	TransportCodeProtocol       = "protocol"
)

// TransportError indicates the underlying SSH/SFTP connection is no longer
// usable or the protocol operation itself failed. The transport never
// retries; retry policy belongs to the caller.
type TransportError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsConnectionLost reports whether err carries a connection-lost transport error.
func IsConnectionLost(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Code == TransportCodeConnectionLost
}

// classifyDialError maps a raw ssh dial failure onto the error taxonomy.
// Host key failures are produced by our own callback and pass through
// unchanged; authentication failures are recognized by the ssh package's
// stable error text; everything else network-shaped becomes a NetworkError.
func classifyDialError(host, user string, err error) error {
	if err == nil {
		return nil
	}

	var hke *HostKeyError
	if errors.As(err, &hke) {
		return hke
	}
	// The ssh package does not wrap the callback error, so also match on text.
	if strings.Contains(err.Error(), "host key verification failed") ||
		strings.Contains(err.Error(), "knownhosts:") {
		return &HostKeyError{Host: host, Err: err}
	}

	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return &AuthError{Host: host, User: user, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{Host: host, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &NetworkError{Host: host, Err: err}
	}

	return &NetworkError{Host: host, Err: err}
}

// isNotExist reports whether err means "no such file" regardless of whether
// it came from the local filesystem or the SFTP status layer.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}
