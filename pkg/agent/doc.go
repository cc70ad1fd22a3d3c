/*
Package agent talks to the per-node task executor.

Each compute node runs an agent that performs key operations against the
node's local keyserver: staging a recovery token, activating it, removing
it. The orchestrator submits one task per target and polls until the task
reaches a terminal state.

The Executor interface is what the orchestrator programs against; Client is
the HTTP implementation:

	POST {base}/cns/{cn_uuid}/tasks            submit, returns a task ID
	GET  {base}/cns/{cn_uuid}/tasks/{task_id}  poll status

Tasks end in complete, failed or timeout. WaitTask polls on an interval and
honors the caller's context, which the orchestrator bounds with WaitDeadline
so a wedged agent cannot hold a transition open forever. Tests substitute a
fake Executor; nothing else in escrowd knows the wire shape.
*/
package agent
