package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// executor runs commands over an SSHClient's connection.
type executor struct {
	client *SSHClient
	config *Config
}

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	return c.executor.execute(ctx, cmd, false, "")
}

// ExecuteCommandWithSudo runs a command with sudo privileges.
func (c *SSHClient) ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error) {
	return c.executor.execute(ctx, cmd, true, sudoPassword)
}

func (e *executor) execute(ctx context.Context, cmd string, useSudo bool, sudoPassword string) (stdout string, stderr string, err error) {
	startTime := time.Now()
	host := e.config.Host
	logger := e.client.logger

	if e.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := e.client.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Host:        host,
			Err:         fmt.Errorf("failed to create session: %w", err),
			ExitCode:    -1,
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if useSudo {
		if sudoPassword != "" {
			// -S reads the password from stdin so it never appears in the
			// remote process list.
			session.Stdin = strings.NewReader(sudoPassword + "\n")
			finalCmd = "sudo -S -p '' " + cmd
		} else {
			finalCmd = "sudo -n " + cmd
		}
	}

	logger.Debug().Str("command", cmd).Bool("sudo", useSudo).Msg("executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-doneChan
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return stdout, stderr, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		msg := stderr
		if msg == "" {
			msg = stdout
		}
		return stdout, stderr, &TransportError{
			Op:       "execute",
			Host:     host,
			Err:      fmt.Errorf("command failed: %s", msg),
			ExitCode: exitErr.ExitStatus(),
		}
	}
	return stdout, stderr, &TransportError{
		Op:          "execute",
		Host:        host,
		Err:         execErr,
		ExitCode:    -1,
		IsTemporary: true,
	}
}
