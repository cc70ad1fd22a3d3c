/*
Package metrics provides Prometheus metrics and health checking for escrowd.

Metrics are package-level collectors registered at init and served from the
API's /metrics endpoint. The Collector loop samples entity totals from the
model on a fixed cadence; everything else is incremented inline where the
event happens.

# Metrics

	escrowd_pivtokens_total                      gauge, fleet size
	escrowd_recovery_configurations_total        gauge, by state
	escrowd_recovery_tokens_total                gauge, live vs expired
	escrowd_api_requests_total                   counter, method x status
	escrowd_api_request_duration_seconds         histogram, by method
	escrowd_transitions_picked_total             counter
	escrowd_transitions_finished_total           counter, by result
	escrowd_agent_tasks_submitted_total          counter
	escrowd_agent_task_errors_total              counter
	escrowd_rows_pruned_total                    counter, by kind
	escrowd_configurations_swept_total           counter

# Health

Components register themselves (store, api, orchestrator, pruner) and /health reports the
aggregate. /ready checks only the store, the single component the API cannot
serve without.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

	metrics.TransitionsFinished.WithLabelValues("ok").Inc()
*/
package metrics
