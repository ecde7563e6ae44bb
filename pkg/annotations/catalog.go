package annotations

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Catalog keys.
const (
	KeyRebootWhen          = "reboot_when"
	KeyTerminateWhen       = "terminate_when"
	KeyHAGroupID           = "ha_group_id"
	KeyHAGroupMin          = "ha_group_min"
	KeyPriority            = "priority"
	KeySnapshotOnTerminate = "snapshot_on_terminate"
	KeyNotifyURL           = "notify_url"
)

// Validator checks the value of a single catalog key.
type Validator interface {
	Validate(value string) error
	Description() string
}

// predicateValidator wraps a boolean check.
type predicateValidator struct {
	fn   func(string) bool
	desc string
}

func (v predicateValidator) Validate(value string) error {
	if !v.fn(value) {
		return &AnnotationSyntaxError{Value: value, Description: "Value must be: " + v.desc}
	}
	return nil
}

func (v predicateValidator) Description() string { return v.desc }

// constraintSetValidator parses the value with the constraint grammar.
type constraintSetValidator struct{}

func (constraintSetValidator) Validate(value string) error {
	_, err := ParseConstraints(value)
	return err
}

func (constraintSetValidator) Description() string {
	return strings.Join([]string{
		"A string consisting of a semicolon delimited list of constraints:",
		"  'MinRuntime(2h12s)' where valid durations are like 0d1h2m3s. Holds when the",
		"    instance has been running for more than the supplied duration.",
		"    'Runtime' is accepted as a deprecated alias.",
		"  'Notified(10m)' where valid durations are like 1d2h3m4s. A scheduled-action",
		"    notification is sent to the owner; holds when the time since the",
		"    notification was sent is more than the supplied duration.",
		"  'TimeOfDay(start, stop[, tz])' where start and stop are 'HH:MM' and tz is an",
		"    optional offset like '+07:30'. Holds when the time of day is between",
		"    start and stop at the supplied offset, or UTC.",
	}, "\n")
}

// Catalog is a fixed mapping from annotation key to validator.
type Catalog struct {
	validators map[string]Validator
}

// NewCatalog builds a catalog from the given validators.
func NewCatalog(validators map[string]Validator) *Catalog {
	return &Catalog{validators: validators}
}

// DefaultCatalog returns the catalog of recognised workload annotations.
func DefaultCatalog() *Catalog {
	constraints := constraintSetValidator{}
	return NewCatalog(map[string]Validator{
		KeyRebootWhen:          constraints,
		KeyTerminateWhen:       constraints,
		KeyHAGroupID:           predicateValidator{fn: isNonEmpty, desc: "Any unique string"},
		KeyHAGroupMin:          predicateValidator{fn: isDigits, desc: "A positive integer"},
		KeyPriority:            predicateValidator{fn: isDigits, desc: "A positive integer"},
		KeySnapshotOnTerminate: predicateValidator{fn: IsBool, desc: "'True' or 'False'"},
		KeyNotifyURL:           predicateValidator{fn: IsURL, desc: "A valid http or https URL"},
	})
}

// Validate checks value against the validator registered for key.
func (c *Catalog) Validate(key, value string) error {
	v, ok := c.validators[key]
	if !ok {
		return &AnnotationSyntaxError{Key: key, Value: value, Description: fmt.Sprintf("%s not a valid key name", key)}
	}
	if err := v.Validate(value); err != nil {
		var synErr *AnnotationSyntaxError
		if errors.As(err, &synErr) {
			synErr.Key = key
			synErr.Value = value
			return err
		}
		return &AnnotationSyntaxError{Key: key, Value: value, Description: err.Error()}
	}
	return nil
}

// ValidateAll validates every pair and joins the failures.
func (c *Catalog) ValidateAll(annotations map[string]string) error {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := c.Validate(k, annotations[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Explain returns a description of the syntax accepted for key.
func (c *Catalog) Explain(key string) (string, error) {
	v, ok := c.validators[key]
	if !ok {
		return "", &AnnotationSyntaxError{Key: key, Value: "?", Description: fmt.Sprintf("%s not a valid key name", key)}
	}
	return v.Description(), nil
}

// ListKeys returns the catalog keys in sorted order.
func (c *Catalog) ListKeys() []string {
	keys := make([]string, 0, len(c.validators))
	for k := range c.validators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var defaultCatalog = DefaultCatalog()

// Validate checks a key/value pair against the default catalog.
func Validate(key, value string) error { return defaultCatalog.Validate(key, value) }

// ValidateAll checks an annotation map against the default catalog.
func ValidateAll(annotations map[string]string) error { return defaultCatalog.ValidateAll(annotations) }

// Explain describes a key of the default catalog.
func Explain(key string) (string, error) { return defaultCatalog.Explain(key) }

// ListKeys lists the keys of the default catalog.
func ListKeys() []string { return defaultCatalog.ListKeys() }

// IsBool accepts 1, 0, True, False, true and false.
func IsBool(s string) bool {
	switch s {
	case "1", "0", "True", "False", "true", "false":
		return true
	}
	return false
}

// ParseBool interprets a value accepted by IsBool.
func ParseBool(s string) bool {
	return s == "1" || s == "True" || s == "true"
}

// IsURL accepts absolute http and https URLs with a host.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isNonEmpty(s string) bool { return s != "" }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
