package policy

import (
	"time"

	"github.com/poncho/poncho/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a deletion.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a deletion.
	SeverityError Severity = "error"

	// SeverityCritical blocks a deletion.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity vetoes a deletion.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny rule vetoes instance deletions.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with poncho. They survive reloads.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Input is the document policies see as input.
type Input struct {
	Event    *EventInput     `json:"event,omitempty"`
	Instance InstanceInput   `json:"instance"`
	Group    []InstanceInput `json:"group"`
	Now      time.Time       `json:"now"`
}

// EventInput describes the service event requesting the deletion.
type EventInput struct {
	ID          int64    `json:"id"`
	Workflow    string   `json:"workflow"`
	State       string   `json:"state"`
	Description string   `json:"description"`
	Hosts       []string `json:"hosts"`
}

// InstanceInput describes an instance. Metadata is never null.
type InstanceInput struct {
	UUID      string            `json:"uuid"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	TaskState string            `json:"task_state"`
	Host      string            `json:"host"`
	TenantID  string            `json:"tenant_id"`
	Metadata  map[string]string `json:"metadata"`
}

// NewInput builds the policy input for a deletion request.
func NewInput(req *engine.DeletionRequest, now time.Time) *Input {
	in := &Input{
		Group: make([]InstanceInput, 0, len(req.Group)),
		Now:   now.UTC(),
	}
	if req.Instance != nil {
		in.Instance = instanceInput(req.Instance)
	}
	for i := range req.Group {
		in.Group = append(in.Group, instanceInput(&req.Group[i]))
	}
	if ev := req.Event; ev != nil {
		in.Event = &EventInput{
			ID:          ev.ID,
			Workflow:    ev.Workflow,
			State:       ev.State,
			Description: ev.Description,
			Hosts:       ev.HostNames(),
		}
	}
	return in
}

func instanceInput(inst *engine.Instance) InstanceInput {
	md := make(map[string]string, len(inst.Metadata))
	for k, v := range inst.Metadata {
		md[k] = v
	}
	return InstanceInput{
		UUID:      inst.UUID,
		Name:      inst.Name,
		Status:    inst.Status,
		TaskState: inst.TaskState,
		Host:      inst.Host,
		TenantID:  inst.TenantID,
		Metadata:  md,
	}
}
