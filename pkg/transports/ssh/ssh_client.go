package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	client      *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}

	executor *executor
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &SSHClient{
		config: config,
		logger: logger.With().Str("host", config.Host).Logger(),
	}
	c.executor = &executor{client: c, config: config}
	return c, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Host:        c.config.Host,
			Err:         err,
			ExitCode:    -1,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// Reap a late connection so it does not leak.
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Host: c.config.Host, Err: ctx.Err(), ExitCode: -1, IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{
				Op:          "connect",
				Host:        c.config.Host,
				Err:         r.err,
				ExitCode:    -1,
				IsTemporary: !isAuthFailure(r.err),
				IsAuthError: isAuthFailure(r.err),
			}
		}
		c.client = r.client
	}

	now := time.Now()
	c.isConnected = true
	c.connectedAt = now
	c.lastUsedAt = now

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	c.logger.Debug().Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Host: c.config.Host, Err: err, ExitCode: -1}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Host: c.config.Host, Err: fmt.Errorf("not connected"), ExitCode: -1}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal must be called with connMu held.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Host: c.config.Host, Err: err, ExitCode: -1, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Host: c.config.Host, Err: err, ExitCode: -1, IsTemporary: true}
	}
	return nil
}

func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	client, ok := c.client, c.isConnected
	c.connMu.RUnlock()

	if !ok || client == nil {
		return nil, &TransportError{Op: "get-client", Host: c.config.Host, Err: fmt.Errorf("not connected"), ExitCode: -1}
	}
	c.touch()
	return client, nil
}

// isAuthFailure matches the handshake error x/crypto/ssh returns when every
// offered method was rejected; it has no typed form on the client side.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
