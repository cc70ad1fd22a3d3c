/*
Package orchestrator executes recovery configuration transitions.

The orchestrator is escrowd's background worker. It polls the transition
bucket for unfinished rows, locks them, drives each target's node agent
through the requested action, records per-target progress durably, and
advances the configuration when the whole fleet converged. A separate pruner
loop ages out history rows on the same cadence.

# Execution loop

	tick ─▶ pick oldest unfinished transition
	     ─▶ aborted? stamp finished, next
	     ─▶ resolve targets, short-circuit already-satisfied ones
	     ─▶ lock (locked_by = instance UUID, etag-checked)
	     ─▶ for each batch of Concurrency targets:
	            submit agent tasks in parallel
	            wait (bounded by the agent deadline)
	            apply token transitions for successes
	            persist progress, re-read the aborted flag
	     ─▶ stamp finished, advance the configuration if clean

The loop drains: after a transition finishes it immediately picks the next
one rather than waiting for the tick, so a backlog clears at agent speed.

# Contention

Multiple workers may share one database. Locking is an ordinary etag-checked
write of the locked_by field: the losing worker gets storage.ErrConflict,
logs it, and moves on. A worker that dies mid-transition leaves progress
persisted at the last batch boundary; the next pickup short-circuits every
target whose recovery token already satisfies the transition, so re-execution
only touches the remainder.

# Cancellation

Cancel flips the row's aborted flag through the API. The worker observes it
at the next batch boundary, stops submitting, and stamps the row finished.
Targets already driven stay driven; cancel stops work, it does not undo it.

# Failure accounting

Per-target failures are recorded as structured errors on the transition row
(task failed, PIV token vanished, token update failed). A transition that
finishes with real errors never advances the configuration; re-issuing the
same action retries only the failed targets.

# Usage

	o := orchestrator.New(m, agentClient, instanceUUID,
		orchestrator.WithPollInterval(time.Minute),
	)
	o.Start()
	defer o.Stop()
*/
package orchestrator
