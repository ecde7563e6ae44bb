package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PONCHO_"

// LookupFunc reads an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration: defaults, then the file at path (if any),
// then PONCHO_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeFile decodes the file at path over cfg. CUE files and directories
// go through the CUE parser, anything else is read as YAML (or JSON).
func DecodeFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config %s: %w", path, err)
	}
	if info.IsDir() || filepath.Ext(path) == ".cue" {
		return NewCUEParser().DecodeFile(path, cfg)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return DecodeYAML(data, cfg)
}

// DecodeYAML decodes YAML over cfg. Unknown keys are rejected.
func DecodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// envOverride applies one environment variable.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func setDuration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func setList(dst func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

var envOverrides = []envOverride{
	{"DATABASE_DRIVER", setString(func(c *Config) *string { return &c.Database.Driver })},
	{"DATABASE_DSN", setString(func(c *Config) *string { return &c.Database.DSN })},
	{"WORKER_POLLING_INTERVAL", setDuration(func(c *Config) *time.Duration { return &c.Worker.PollingInterval })},
	{"WORKER_WORKFLOWS", setList(func(c *Config) *[]string { return &c.Worker.Workflows })},
	{"WORKER_ADMIN_ADDR", setString(func(c *Config) *string { return &c.Worker.AdminAddr })},
	{"NOTIFY_ENABLE_MAIL", setBool(func(c *Config) *bool { return &c.Notify.EnableMail })},
	{"NOTIFY_FROM_ADDR", setString(func(c *Config) *string { return &c.Notify.FromAddr })},
	{"NOTIFY_REPLY_TO", setString(func(c *Config) *string { return &c.Notify.ReplyTo })},
	{"NOTIFY_SMTP_SERVER", setString(func(c *Config) *string { return &c.Notify.SMTPServer })},
	{"NOTIFY_DEFAULT_DELAY", setDuration(func(c *Config) *time.Duration { return &c.Notify.DefaultDelay })},
	{"NOTIFY_MAXIMUM_DELAY", setDuration(func(c *Config) *time.Duration { return &c.Notify.MaximumDelay })},
	{"FLEET_COMPUTE_URL", setString(func(c *Config) *string { return &c.Fleet.ComputeURL })},
	{"FLEET_IDENTITY_URL", setString(func(c *Config) *string { return &c.Fleet.IdentityURL })},
	{"FLEET_TOKEN", setString(func(c *Config) *string { return &c.Fleet.Token })},
	{"FLEET_DISABLE_VIA", setString(func(c *Config) *string { return &c.Fleet.DisableVia })},
	{"POLICY_PATHS", setList(func(c *Config) *[]string { return &c.Policy.Paths })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
}

// ApplyEnv applies PONCHO_* overrides. The unprefixed LOG_LEVEL is honoured
// too, below PONCHO_LOG_LEVEL.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Telemetry.Logging.Level = strings.ToLower(v)
	}

	var errs ValidationErrors
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, ValidationError{
				Path:    EnvPrefix + o.name,
				Message: err.Error(),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
