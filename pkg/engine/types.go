package engine

import (
	"fmt"
	"time"
)

// Common state names shared by the built-in workflows.
const (
	StateInitialized  = "initialized"
	StateNotify       = "notify"
	StatePassiveDrain = "passive_drain"
	StateActiveDrain  = "active_drain"
	StateDrained      = "drained"
	StateRestarting   = "restarting"
	StateCompleted    = "completed"
	StateComplete     = "complete"
	StateCanceled     = "canceled"
)

// ServiceEvent is one maintenance operation against a named set of hosts.
type ServiceEvent struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`

	// Workflow is the registry name of the workflow driving this event.
	Workflow string `json:"workflow"`

	// State is the current workflow state name.
	State string `json:"state"`

	// CreatedAt is when the event was created.
	CreatedAt time.Time `json:"created_at"`

	// Description is the operator supplied reason, sent to workload owners.
	Description string `json:"description"`

	// Notes are operator notes that are never sent to owners.
	Notes string `json:"notes"`

	// BeginPassiveDrainAt is when hosts stop receiving new work.
	BeginPassiveDrainAt time.Time `json:"begin_passive_drain_at"`

	// BeginActiveDrainAt is when remaining workloads are evacuated.
	BeginActiveDrainAt time.Time `json:"begin_active_drain_at"`

	// Completed is set once the event reaches a terminal state.
	Completed bool `json:"completed"`

	// CompletedAt is set exactly once, when Completed flips to true.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Stuck marks an event the poller gave up on after a permanent error.
	Stuck bool `json:"stuck"`

	// LastError is the most recent step failure, if any.
	LastError string `json:"last_error,omitempty"`

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// Hosts are the hosts under maintenance.
	Hosts []Host `json:"hosts"`
}

// Validate checks the invariants of a new or loaded event.
func (e *ServiceEvent) Validate() error {
	if e.Workflow == "" {
		return NewPermanentError("workflow is required", nil).WithCode(ErrCodeValidation)
	}
	if len(e.Hosts) == 0 {
		return NewPermanentError("at least one host is required", nil).WithCode(ErrCodeValidation)
	}
	if e.BeginActiveDrainAt.Before(e.BeginPassiveDrainAt) {
		return NewPermanentError(
			fmt.Sprintf("active drain (%s) must not begin before passive drain (%s)",
				e.BeginActiveDrainAt.Format(time.RFC3339), e.BeginPassiveDrainAt.Format(time.RFC3339)),
			nil).WithCode(ErrCodeValidation)
	}
	if e.Completed && e.CompletedAt == nil {
		return NewPermanentError("completed event has no completion time", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// MarkCompleted moves the event into a terminal state. CompletedAt is only
// ever set once.
func (e *ServiceEvent) MarkCompleted(state string, now time.Time) {
	e.State = state
	e.Completed = true
	if e.CompletedAt == nil {
		at := now
		e.CompletedAt = &at
	}
}

// HostNames returns the names of the event's hosts in order.
func (e *ServiceEvent) HostNames() []string {
	names := make([]string, len(e.Hosts))
	for i, h := range e.Hosts {
		names[i] = h.Name
	}
	return names
}

// Host is a compute node, identified by name.
type Host struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Instance is a workload running on a host. Fleet fields come from the
// compute API; Notified and NotifiedAt come from the event store.
type Instance struct {
	// ID is the store row id, zero if never persisted.
	ID int64 `json:"id,omitempty"`

	// UUID is the fleet-assigned identifier.
	UUID string `json:"uuid"`

	// Name is the display name.
	Name string `json:"name"`

	// Status is the fleet status, e.g. ACTIVE, SHUTOFF, DELETED.
	Status string `json:"status"`

	// TaskState is the fleet task in progress, e.g. "deleting".
	TaskState string `json:"task_state,omitempty"`

	// HostID references the owning host row.
	HostID int64 `json:"host_id,omitempty"`

	// Host is the name of the owning host.
	Host string `json:"host"`

	// TenantID is the owning project.
	TenantID string `json:"tenant_id,omitempty"`

	// OwnerEmail is the address of the owning user, if known.
	OwnerEmail string `json:"owner_email,omitempty"`

	// Launched is when the instance started running.
	Launched time.Time `json:"launched_at"`

	// Metadata holds workload annotations such as notify_url.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Notified records whether a scheduled-action notice was sent this cycle.
	Notified bool `json:"notified"`

	// NotifiedAt is when the notice was sent.
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// LaunchedAt returns the launch time.
func (i *Instance) LaunchedAt() time.Time { return i.Launched }

// LastNotifiedAt returns the notice time or the zero time.
func (i *Instance) LastNotifiedAt() time.Time {
	if i.NotifiedAt == nil {
		return time.Time{}
	}
	return *i.NotifiedAt
}

// Fleet statuses the workflows care about.
const (
	InstanceStatusActive      = "ACTIVE"
	InstanceStatusDeleted     = "DELETED"
	InstanceStatusSoftDeleted = "SOFT_DELETED"
	InstanceTaskDeleting      = "deleting"
)

// IsGone reports whether the fleet no longer runs the instance.
func (i *Instance) IsGone() bool {
	return i.Status == InstanceStatusDeleted || i.Status == InstanceStatusSoftDeleted
}

// Transition is one entry of an event's append-only state history.
type Transition struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Transition actors.
const (
	ActorPoller   = "poller"
	ActorOperator = "operator"
)
