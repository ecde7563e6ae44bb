// Package engine implements service events, the workflows that drive them
// and the poller that advances them.
//
// # Overview
//
// A service event is one maintenance operation against a set of hosts, for
// example evacuating every instance before a hardware repair. Each event
// names a workflow and carries the workflow's current state. The poller
// repeatedly evaluates the handler of that state; a handler either leaves
// the state unchanged or names the next state.
//
// # Workflows
//
// Workflows are registered explicitly in a Registry:
//
//	reg, err := engine.DefaultRegistry([]string{"delete-instances"})
//	wf, err := reg.Resolve("delete-instances")
//
// The builtin workflows are Machines: a handler table plus a declared
// topology. A next state returned by a handler is fired as a looplab/fsm
// event, so transitions outside the topology are rejected and entry actions
// run exactly once per transition. delete-instances disables its hosts as
// the entry action of passive drain.
//
// # Polling
//
// Poller.Step lists incomplete events and steps each one inside its own
// store transaction:
//
//	poller := engine.NewPoller(store, reg, fleet, notifier,
//		engine.WithLogger(logger), engine.WithMetrics(metrics))
//	result, err := poller.Step(ctx)
//
// Each event advances by at most one state per step. Errors are classified
// with ClassOf: transient errors roll back and the event is retried on the
// next step, permanent errors mark the event stuck so it is no longer
// selected until an operator intervenes.
package engine
