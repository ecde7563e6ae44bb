package fleet

import (
	"fmt"
	"strings"
	"time"

	"github.com/poncho/poncho/pkg/transports/ssh"
)

// Ways a host can be disabled.
const (
	DisableViaAPI = "api"
	DisableViaSSH = "ssh"
)

// Placeholder is replaced by the nova-manage command in CommandWrapper.
const Placeholder = "{placeholder}"

// ComputeService is the service disabled on drained hosts.
const ComputeService = "nova-compute"

// Config describes how to reach the compute fleet.
type Config struct {
	// ComputeURL is the compute API endpoint, e.g. https://nova:8774/v2.1.
	ComputeURL string `yaml:"compute_url" json:"compute_url" validate:"omitempty,url"`

	// IdentityURL is the identity API endpoint used to resolve owner emails.
	// Empty disables owner lookups.
	IdentityURL string `yaml:"identity_url" json:"identity_url" validate:"omitempty,url"`

	Token string `yaml:"token" json:"token"`

	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=20"`

	// DisableVia selects the compute API or nova-manage over SSH.
	DisableVia string `yaml:"disable_via" json:"disable_via" validate:"omitempty,oneof=api ssh"`

	// CommandWrapper wraps the nova-manage command line, e.g.
	// "sudo -u nova {placeholder}".
	CommandWrapper string `yaml:"command_wrapper" json:"command_wrapper"`

	// ManageHost is where nova-manage runs. Empty runs it on the host being
	// disabled.
	ManageHost string `yaml:"manage_host" json:"manage_host"`

	SSH ssh.Config `yaml:"ssh" json:"ssh"`
}

// DefaultConfig returns API-based disabling with a 30s timeout.
func DefaultConfig() Config {
	sshCfg := ssh.DefaultConfig("", "root")
	return Config{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		DisableVia:     DisableViaAPI,
		CommandWrapper: Placeholder,
		SSH:            *sshCfg,
	}
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	if c.ComputeURL == "" {
		return fmt.Errorf("compute_url is required")
	}
	if c.DisableVia == DisableViaSSH && !strings.Contains(c.CommandWrapper, Placeholder) {
		return fmt.Errorf("command_wrapper %q must contain %s", c.CommandWrapper, Placeholder)
	}
	return nil
}

// WrapCommand substitutes cmd into the wrapper. An empty wrapper runs cmd
// unchanged.
func WrapCommand(wrapper, cmd string) string {
	if wrapper == "" {
		return cmd
	}
	return strings.ReplaceAll(wrapper, Placeholder, cmd)
}
