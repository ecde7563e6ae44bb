package engine

import (
	"context"
	"time"

	"github.com/poncho/poncho/pkg/annotations"
)

// DeleteInstancesName is the registry name of the delete-instances workflow.
const DeleteInstancesName = "delete-instances"

const deleteInstancesDescription = `Workflow for deleting instances on hosts.

initialized -> passive_drain -> active_drain -> drained
                                                   |
                          * canceled           * complete

Hosts are disabled when passive drain begins. Owners of instances on the
hosts are sent a terminate-scheduled notice during passive drain. Once
active drain begins every remaining instance is deleted, subject to its
terminate_when constraints and the deletion guard. The event is drained
when no instance remains.`

// Transition event names for delete-instances.
const (
	eventBeginPassiveDrain = "begin_passive_drain"
	eventBeginActiveDrain  = "begin_active_drain"
	eventFinishDrain       = "finish_drain"
)

// NewDeleteInstances builds the delete-instances workflow.
func NewDeleteInstances() (Workflow, error) {
	m, err := NewMachine(MachineSpec{
		Name:        DeleteInstancesName,
		Description: deleteInstancesDescription,
		Handlers: map[string]StateHandler{
			StateInitialized:  deleteInitialized,
			StatePassiveDrain: deletePassiveDrain,
			StateActiveDrain:  deleteActiveDrain,
			StateDrained:      unchanged,
			StateComplete:     unchanged,
			StateCanceled:     unchanged,
		},
		Terminal: []string{StateDrained, StateComplete, StateCanceled},
		Transitions: []TransitionDesc{
			{Event: eventBeginPassiveDrain, Src: []string{StateInitialized}, Dst: StatePassiveDrain},
			{Event: eventBeginActiveDrain, Src: []string{StatePassiveDrain}, Dst: StateActiveDrain},
			{Event: eventFinishDrain, Src: []string{StateActiveDrain}, Dst: StateDrained},
		},
		EntryActions: map[string]EntryAction{
			eventBeginPassiveDrain: disableHosts,
		},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func deleteInitialized(_ context.Context, event *ServiceEvent, env *Env) (string, error) {
	if env.Now.After(event.BeginPassiveDrainAt) {
		return StatePassiveDrain, nil
	}
	return "", nil
}

// disableHosts runs once per entry into passive_drain and starts a fresh
// notification cycle for the hosts' instances.
func disableHosts(ctx context.Context, event *ServiceEvent, env *Env) error {
	for _, host := range event.Hosts {
		if err := env.Fleet.DisableHost(ctx, host.Name); err != nil {
			return fleetError("disable_host", event, err).WithDetail("host", host.Name)
		}
		env.Logger.Info().Str("host", host.Name).Int64("event_id", event.ID).Msg("Host disabled")
	}

	hostIDs := make([]int64, 0, len(event.Hosts))
	for _, host := range event.Hosts {
		hostIDs = append(hostIDs, host.ID)
	}
	if err := env.Instances.ResetNotified(ctx, hostIDs); err != nil {
		return NewTransientError("failed to reset instance notifications", err).
			WithCode(ErrCodeStoreFailed).WithEvent(event.ID)
	}
	return nil
}

func deletePassiveDrain(ctx context.Context, event *ServiceEvent, env *Env) (string, error) {
	instances, err := listEventInstances(ctx, event, env)
	if err != nil {
		return "", err
	}

	for i := range instances {
		inst := &instances[i]
		if inst.IsGone() || inst.Notified {
			continue
		}
		if err := notifyInstance(ctx, event, env, inst, NotifyTerminateScheduled, event.BeginActiveDrainAt); err != nil {
			env.Warn("terminate_scheduled notice for %s failed: %v", inst.UUID, err)
			continue
		}
		if err := env.Instances.MarkNotified(ctx, inst, env.Now); err != nil {
			return "", NewTransientError("failed to record notification", err).
				WithCode(ErrCodeStoreFailed).WithEvent(event.ID)
		}
	}

	if env.Now.After(event.BeginActiveDrainAt) {
		return StateActiveDrain, nil
	}
	return "", nil
}

func deleteActiveDrain(ctx context.Context, event *ServiceEvent, env *Env) (string, error) {
	instances, err := listEventInstances(ctx, event, env)
	if err != nil {
		return "", err
	}

	remaining := 0
	for i := range instances {
		inst := &instances[i]
		if inst.IsGone() {
			continue
		}
		remaining++
		if inst.TaskState == InstanceTaskDeleting {
			continue
		}

		if !terminateConstraintsHold(event, env, inst) {
			continue
		}
		if ok := guardAllows(ctx, event, env, inst); !ok {
			continue
		}

		if err := env.Fleet.DeleteInstance(ctx, inst.UUID); err != nil {
			return "", fleetError("delete_instance", event, err).WithDetail("instance", inst.UUID)
		}
		env.Logger.Info().
			Int64("event_id", event.ID).
			Str("instance", inst.UUID).
			Str("host", inst.Host).
			Msg("Instance deleted")

		if err := notifyInstance(ctx, event, env, inst, NotifyTerminating, env.Now); err != nil {
			env.Warn("terminating notice for %s failed: %v", inst.UUID, err)
		}
	}

	if remaining == 0 {
		return StateDrained, nil
	}
	return "", nil
}

// listEventInstances lists instances on every host of the event, merged
// with their stored notification status.
func listEventInstances(ctx context.Context, event *ServiceEvent, env *Env) ([]Instance, error) {
	var all []Instance
	for _, host := range event.Hosts {
		instances, err := env.Fleet.ListInstancesOnHost(ctx, host.Name)
		if err != nil {
			return nil, fleetError("list_instances", event, err).WithDetail("host", host.Name)
		}
		for _, inst := range instances {
			inst.HostID = host.ID
			if inst.Host == "" {
				inst.Host = host.Name
			}
			stored, err := env.Instances.GetInstance(ctx, inst.UUID)
			if err != nil {
				return nil, NewTransientError("failed to load instance", err).
					WithCode(ErrCodeStoreFailed).WithEvent(event.ID)
			}
			if stored != nil {
				inst.ID = stored.ID
				inst.Notified = stored.Notified
				inst.NotifiedAt = stored.NotifiedAt
			}
			all = append(all, inst)
		}
	}
	return all, nil
}

// instanceSubject adapts an Instance to annotations.Subject.
type instanceSubject struct{ inst *Instance }

func (s instanceSubject) LaunchedAt() time.Time { return s.inst.Launched }

// NotifiedAt only reports notices delivered in the current cycle.
func (s instanceSubject) NotifiedAt() time.Time {
	if !s.inst.Notified {
		return time.Time{}
	}
	return s.inst.LastNotifiedAt()
}

// terminateConstraintsHold evaluates the instance's terminate_when
// annotation. Unparseable values are reported and ignored.
func terminateConstraintsHold(event *ServiceEvent, env *Env, inst *Instance) bool {
	raw, ok := inst.Metadata[annotations.KeyTerminateWhen]
	if !ok || raw == "" {
		return true
	}
	constraints, err := annotations.ParseConstraints(raw)
	if err != nil {
		env.Warn("ignoring invalid terminate_when on %s: %v", inst.UUID, err)
		return true
	}
	if annotations.AllHold(constraints, instanceSubject{inst}, env.Now) {
		return true
	}
	env.Logger.Debug().
		Int64("event_id", event.ID).
		Str("instance", inst.UUID).
		Str("terminate_when", raw).
		Msg("Deletion deferred by constraints")
	return false
}

func guardAllows(ctx context.Context, event *ServiceEvent, env *Env, inst *Instance) bool {
	if env.Guard == nil {
		return true
	}

	req := &DeletionRequest{Event: event, Instance: inst}
	if group := inst.Metadata[annotations.KeyHAGroupID]; group != "" {
		if lister, ok := env.Fleet.(GroupLister); ok {
			members, err := lister.ListInstancesInGroup(ctx, group)
			if err != nil {
				env.Warn("listing HA group %s failed, deferring %s: %v", group, inst.UUID, err)
				return false
			}
			for _, m := range members {
				if m.UUID != inst.UUID {
					req.Group = append(req.Group, m)
				}
			}
		}
	}

	decision, err := env.Guard.AllowDelete(ctx, req)
	if err != nil {
		env.Warn("deletion guard failed for %s, deferring: %v", inst.UUID, err)
		return false
	}
	if !decision.Allowed {
		env.Logger.Info().
			Int64("event_id", event.ID).
			Str("instance", inst.UUID).
			Strs("reasons", decision.Reasons).
			Msg("Deletion denied by guard")
		return false
	}
	return true
}

// notifyInstance sends kind to the instance's owner. Instances without a
// notify_url or owner email have nobody to notify and count as delivered.
func notifyInstance(ctx context.Context, event *ServiceEvent, env *Env, inst *Instance, kind NotificationKind, at time.Time) error {
	recipients := RecipientsFor(inst)
	if recipients.Empty() || env.Notifier == nil {
		return nil
	}
	fields := map[string]string{
		"timestamp":     at.UTC().Format(time.RFC3339),
		"description":   event.Description,
		"type":          string(kind),
		"instance_name": inst.Name,
		"instance_uuid": inst.UUID,
	}
	return env.Notifier.Send(ctx, kind, "", recipients, fields)
}

// RecipientsFor resolves recipients from instance metadata. A notify_url
// annotation takes precedence over the owner's email.
func RecipientsFor(inst *Instance) Recipients {
	if url := inst.Metadata[annotations.KeyNotifyURL]; url != "" && annotations.IsURL(url) {
		return Recipients{URLs: []string{url}}
	}
	if inst.OwnerEmail != "" {
		return Recipients{Emails: []string{inst.OwnerEmail}}
	}
	return Recipients{}
}

func fleetError(op string, event *ServiceEvent, err error) *EngineError {
	class := ClassOf(err)
	e := &EngineError{
		Class:   class,
		Message: "fleet operation failed",
		Code:    ErrCodeFleetFailed,
		Err:     err,
	}
	return e.WithOperation(op).WithEvent(event.ID)
}
