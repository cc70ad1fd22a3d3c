/*
Package fsm gates recovery configuration lifecycle actions.

The fsm package is the single entry point for moving a configuration through
its lifecycle. It checks the requested action against the configuration's
derived state, resolves the fan-out targets, and either applies trivial
actions directly or records a transition for the orchestrator to execute.

# State machine

	created  ──stage──▶  staged  ──activate──▶  active
	              ◀─unstage─┘      ◀─deactivate──┘
	active  ──expire──▶  expired  ──reactivate──▶  active

Only the listed edges are legal; anything else returns NotAllowedError with
the action and the current state. Stage/unstage/activate/deactivate fan out
across the fleet and therefore create transition rows. Expire and reactivate
only flip timestamps. Cancel is a meta action: it aborts the configuration's
unfinished transition instead of moving the configuration itself.

# Target resolution

By default a fan-out targets every compute node in the fleet. A request may
name a single PIV token, but scoping to one token on a multi-token fleet is
rejected (the fleet would end up split across configurations) unless the
action is a forced activate, which marks the transition standalone so the
configuration itself never advances.

# Activation check

Activate requires every target to hold a staged recovery token for the
configuration. Force skips the check for break-glass operation.

# Usage

	gw := fsm.New(m)
	res, err := gw.Apply(fsm.Request{
		ConfigUUID: uuid,
		Action:     fsm.ActionStage,
	})
	if res.Transition != nil {
		// scheduled; poll the watch view
	}
*/
package fsm
