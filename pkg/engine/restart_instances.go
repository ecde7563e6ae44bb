package engine

import "context"

// RestartInstancesName is the registry name of the restart-instances workflow.
const RestartInstancesName = "restart-instances"

const restartInstancesDescription = `Workflow for restarting instances on hosts.

initialized -> notify -> active_drain -> drained -> restarting -> completed
                                                     * canceled

The topology is declared so events can be created and inspected, but no
state has behavior yet. Events that reach the poller are marked stuck.`

// NewRestartInstances builds the restart-instances workflow.
func NewRestartInstances() (Workflow, error) {
	m, err := NewMachine(MachineSpec{
		Name:        RestartInstancesName,
		Description: restartInstancesDescription,
		Handlers: map[string]StateHandler{
			StateInitialized: notImplemented,
			StateNotify:      notImplemented,
			StateActiveDrain: notImplemented,
			StateDrained:     notImplemented,
			StateRestarting:  notImplemented,
			StateCompleted:   unchanged,
			StateCanceled:    unchanged,
		},
		Terminal: []string{StateCompleted, StateCanceled},
		Transitions: []TransitionDesc{
			{Event: "send_notices", Src: []string{StateInitialized}, Dst: StateNotify},
			{Event: "begin_active_drain", Src: []string{StateNotify}, Dst: StateActiveDrain},
			{Event: "finish_drain", Src: []string{StateActiveDrain}, Dst: StateDrained},
			{Event: "restart", Src: []string{StateDrained}, Dst: StateRestarting},
			{Event: "finish_restart", Src: []string{StateRestarting}, Dst: StateCompleted},
		},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func notImplemented(_ context.Context, event *ServiceEvent, _ *Env) (string, error) {
	return "", &EngineError{
		Class:   ErrStateNotImplemented.Class,
		Message: ErrStateNotImplemented.Message,
		Code:    ErrStateNotImplemented.Code,
		EventID: event.ID,
	}
}
