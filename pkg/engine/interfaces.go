package engine

import (
	"context"
	"time"
)

// EventStore is the durable storage the poller reads and writes.
type EventStore interface {
	// ListIncomplete returns events that are neither completed nor stuck.
	ListIncomplete(ctx context.Context) ([]*ServiceEvent, error)

	// BeginTx opens a transaction scoped to one event's step.
	BeginTx(ctx context.Context) (EventTx, error)
}

// EventTx is a single commit/rollback unit. LockForUpdate holds the event
// row exclusively until Commit or Rollback.
type EventTx interface {
	InstanceStore

	// LockForUpdate loads the event and acquires its row lock.
	LockForUpdate(ctx context.Context, id int64) (*ServiceEvent, error)

	// Save persists state, completion and error fields. Saving an event whose
	// stored row is already completed fails with ErrEventCompleted.
	Save(ctx context.Context, event *ServiceEvent) error

	// MarkStuck flags the event so the poller no longer selects it.
	MarkStuck(ctx context.Context, id int64, reason string) error

	// AppendTransition records a state change in the event history.
	AppendTransition(ctx context.Context, t *Transition) error

	Commit() error
	Rollback() error
}

// InstanceStore tracks per-instance notification status.
type InstanceStore interface {
	// GetInstance returns the stored record for uuid, or nil if none exists.
	GetInstance(ctx context.Context, uuid string) (*Instance, error)

	// MarkNotified records that a scheduled-action notice was sent.
	MarkNotified(ctx context.Context, inst *Instance, at time.Time) error

	// ResetNotified clears the notified flag of every instance on the hosts,
	// starting a new notification cycle.
	ResetNotified(ctx context.Context, hostIDs []int64) error
}

// FleetClient performs the compute fleet operations workflows need.
type FleetClient interface {
	// DisableHost stops the scheduler from placing new work on host.
	DisableHost(ctx context.Context, host string) error

	// ListInstancesOnHost returns the instances currently on host.
	ListInstancesOnHost(ctx context.Context, host string) ([]Instance, error)

	// DeleteInstance requests deletion of an instance.
	DeleteInstance(ctx context.Context, uuid string) error
}

// GroupLister is implemented by fleet clients that can list the members of
// an HA group across all hosts.
type GroupLister interface {
	ListInstancesInGroup(ctx context.Context, groupID string) ([]Instance, error)
}

// NotificationKind names a notification template.
type NotificationKind string

// Notification kinds.
const (
	NotifyRebootScheduled    NotificationKind = "reboot_scheduled"
	NotifyRebooting          NotificationKind = "rebooting"
	NotifyTerminateScheduled NotificationKind = "terminate_scheduled"
	NotifyTerminating        NotificationKind = "terminating"
	NotifySnapshotCreated    NotificationKind = "snapshot_created"
	NotifyHAGroupDegraded    NotificationKind = "ha_group_degraded"
	NotifyHAGroupHealthy     NotificationKind = "ha_group_healthy"
	NotifyShedLoadRequest    NotificationKind = "shed_load_request"
)

// NotificationKinds lists every kind in a stable order.
func NotificationKinds() []NotificationKind {
	return []NotificationKind{
		NotifyRebootScheduled, NotifyRebooting, NotifyTerminateScheduled, NotifyTerminating,
		NotifySnapshotCreated, NotifyHAGroupDegraded, NotifyHAGroupHealthy, NotifyShedLoadRequest,
	}
}

// Recipients are the delivery targets of one notification.
type Recipients struct {
	URLs   []string `json:"urls,omitempty"`
	Emails []string `json:"emails,omitempty"`
}

// Empty reports whether there is nobody to notify.
func (r Recipients) Empty() bool {
	return len(r.URLs) == 0 && len(r.Emails) == 0
}

// Notifier delivers human notifications. The engine decides that and what
// to notify; delivery is the notifier's concern.
type Notifier interface {
	Send(ctx context.Context, kind NotificationKind, subject string, recipients Recipients, fields map[string]string) error
}

// DeletionRequest is the input to a DeletionGuard.
type DeletionRequest struct {
	Event    *ServiceEvent
	Instance *Instance
	// Group holds the other members of the instance's HA group, when known.
	Group []Instance
}

// GuardDecision is the outcome of a DeletionGuard check.
type GuardDecision struct {
	Allowed bool
	Reasons []string
}

// DeletionGuard vetoes instance deletions, e.g. to protect HA groups.
type DeletionGuard interface {
	AllowDelete(ctx context.Context, req *DeletionRequest) (*GuardDecision, error)
}

// Metrics receives poller instrumentation.
type Metrics interface {
	RecordStep(duration time.Duration, events int)
	RecordTransition(workflow, from, to string)
	RecordEventError(workflow, class string)
	RecordStuck(workflow string)
}

// Clock returns the current time.
type Clock func() time.Time
