package fleet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/transports/ssh"
)

// Dialer opens a transport to host.
type Dialer func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error)

// DialSSH connects an ssh.SSHClient.
func DialSSH(logger zerolog.Logger) Dialer {
	return func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
		client, err := ssh.NewSSHClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// SSHHostDisabler disables compute services with nova-manage over SSH.
type SSHHostDisabler struct {
	cfg        ssh.Config
	wrapper    string
	manageHost string
	dial       Dialer
	logger     zerolog.Logger
}

// NewSSHHostDisabler creates a disabler. A nil dial uses DialSSH.
func NewSSHHostDisabler(cfg Config, dial Dialer, logger zerolog.Logger) *SSHHostDisabler {
	if dial == nil {
		dial = DialSSH(logger)
	}
	return &SSHHostDisabler{
		cfg:        cfg.SSH,
		wrapper:    cfg.CommandWrapper,
		manageHost: cfg.ManageHost,
		dial:       dial,
		logger:     logger,
	}
}

// DisableCommand returns the wrapped nova-manage command line for host.
func (d *SSHHostDisabler) DisableCommand(host string) string {
	cmd := fmt.Sprintf("nova-manage service disable --host=%s --service=%s", host, ComputeService)
	return WrapCommand(d.wrapper, cmd)
}

// DisableHost runs nova-manage on the manage host, or on host itself when
// no manage host is configured.
func (d *SSHHostDisabler) DisableHost(ctx context.Context, host string) error {
	target := d.manageHost
	if target == "" {
		target = host
	}

	transport, err := d.dial(ctx, d.cfg.ForHost(target))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			d.logger.Debug().Err(err).Str("target", target).Msg("Disconnect failed")
		}
	}()

	cmd := d.DisableCommand(host)
	var stdout string
	if d.cfg.UseSudo {
		stdout, _, err = transport.ExecuteCommandWithSudo(ctx, cmd, d.cfg.SudoPassword)
	} else {
		stdout, _, err = transport.ExecuteCommand(ctx, cmd)
	}
	if err != nil {
		return fmt.Errorf("failed to disable %s on %s: %w", ComputeService, host, err)
	}

	d.logger.Info().Str("host", host).Str("target", target).Str("output", stdout).Msg("Compute service disabled")
	return nil
}
