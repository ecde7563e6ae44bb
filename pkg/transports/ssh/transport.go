// Package ssh runs administrative commands on compute hosts over SSH.
package ssh

import (
	"context"
	"strconv"
	"time"
)

// Transport runs commands on one remote host.
type Transport interface {
	// Connect establishes the SSH connection. Connecting an already
	// connected transport verifies the connection and redials if it died.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck runs a no-op command on the host.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs cmd and returns its trimmed stdout and stderr.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// ExecuteCommandWithSudo runs cmd under sudo. sudoPassword may be empty
	// when NOPASSWD is configured.
	ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error)

	// GetConnectionInfo describes the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute")
	Op string

	// Host is the remote host, when known
	Host string

	// Err is the underlying error
	Err error

	// ExitCode is the remote exit status for commands that ran and failed,
	// -1 otherwise.
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	msg := e.Op
	if e.Host != "" {
		msg += " " + e.Host
	}
	if e.ExitCode > 0 {
		msg += " (exit " + strconv.Itoa(e.ExitCode) + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed. Authentication failures
// and commands that ran and exited non-zero are not temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
