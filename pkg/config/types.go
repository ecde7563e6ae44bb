package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/fleet"
	"github.com/poncho/poncho/pkg/notify"
	"github.com/poncho/poncho/pkg/policy"
	"github.com/poncho/poncho/pkg/stores"
	"github.com/poncho/poncho/pkg/telemetry"
)

// Config is the complete poncho configuration.
type Config struct {
	// Database configures the event store.
	Database stores.Config `yaml:"database" json:"database"`

	// Worker configures the poll loop.
	Worker WorkerConfig `yaml:"worker" json:"worker"`

	// Notify configures owner notifications and event scheduling defaults.
	Notify NotifyConfig `yaml:"notify" json:"notify"`

	// Fleet configures access to the compute fleet.
	Fleet fleet.Config `yaml:"fleet" json:"fleet"`

	// Policy configures the deletion guard.
	Policy policy.Config `yaml:"policy" json:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// WorkerConfig configures the poll loop.
type WorkerConfig struct {
	// PollingInterval is the time between poll steps.
	PollingInterval time.Duration `yaml:"polling_interval" json:"polling_interval" validate:"gt=0"`

	// Workflows lists the enabled workflows. Empty enables every builtin.
	Workflows []string `yaml:"workflows" json:"workflows"`

	// AdminAddr is where the admin HTTP API listens. Empty disables it.
	AdminAddr string `yaml:"admin_addr" json:"admin_addr" validate:"omitempty,hostname_port"`
}

// NotifyConfig extends the notifier configuration with scheduling defaults.
type NotifyConfig struct {
	notify.Config `yaml:",inline" json:",inline"`

	// DefaultDelay is the notice given to owners when an event does not ask
	// for one: the time between creation and the active drain.
	DefaultDelay time.Duration `yaml:"default_delay" json:"default_delay" validate:"gte=0"`

	// MaximumDelay caps the notice an event may ask for. Zero means no cap.
	MaximumDelay time.Duration `yaml:"maximum_delay" json:"maximum_delay" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Database: stores.DefaultConfig(),
		Worker: WorkerConfig{
			PollingInterval: 2 * time.Second,
			AdminAddr:       "127.0.0.1:9797",
		},
		Notify: NotifyConfig{
			Config:       notify.DefaultConfig(),
			DefaultDelay: 48 * time.Hour,
			MaximumDelay: 14 * 24 * time.Hour,
		},
		Fleet:     fleet.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// ValidationError is a single configuration problem.
type ValidationError struct {
	// File is the source file, when known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem in File.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the configuration key, e.g. "worker.polling_interval".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks struct constraints, the telemetry section and that every
// enabled workflow exists.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := newValidator().Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, ValidationError{
					Path:    fieldPath(fe.Namespace()),
					Message: fmt.Sprintf("failed on %q", fe.Tag()),
				})
			}
		} else {
			return err
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	known := make(map[string]bool)
	for _, name := range engine.BuiltinNames() {
		known[name] = true
	}
	for _, name := range c.Worker.Workflows {
		if !known[name] {
			errs = append(errs, ValidationError{
				Path:    "worker.workflows",
				Message: fmt.Sprintf("unknown workflow %q", name),
			})
		}
	}

	if c.Notify.MaximumDelay > 0 && c.Notify.DefaultDelay > c.Notify.MaximumDelay {
		errs = append(errs, ValidationError{
			Path:    "notify.default_delay",
			Message: "must not exceed notify.maximum_delay",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath turns "Config.notify.Config.from_addr" into "notify.from_addr".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i == 0 || p == "Config" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}
