/*
Package api implements escrowd's HTTP/JSON interface.

The api package exposes the model and the lifecycle gateway over a chi
router. It owns request validation, authentication dispatch, the error
contract, and the middleware stack (request IDs, response timing, metrics,
per-client rate limiting).

# Routes

	POST   /pivtokens                                    enroll or refresh
	GET    /pivtokens                                    list (public view)
	GET    /pivtokens/{guid}                             fetch (public view)
	PUT    /pivtokens/{guid}                             update cn_uuid (signed)
	DELETE /pivtokens/{guid}                             unenroll (signed)
	GET    /pivtokens/{guid}/pin                         full record (signed)
	POST   /pivtokens/{guid}/replace                     atomic swap (signed)
	GET    /pivtokens/{guid}/recovery-tokens             chain (signed)
	POST   /pivtokens/{guid}/recovery-tokens             mint (signed)
	PUT    /pivtokens/{guid}/recovery-tokens             bulk action (signed)
	GET    /pivtokens/{guid}/recovery-tokens/{uuid}      fetch (signed)
	PUT    /pivtokens/{guid}/recovery-tokens/{uuid}      lifecycle action (signed)
	DELETE /pivtokens/{guid}/recovery-tokens/{uuid}      remove (signed)

	GET    /recovery-configurations                      list
	POST   /recovery-configurations                      ingest template
	GET    /recovery-configurations/{uuid}               fetch, ?action=watch
	PUT    /recovery-configurations/{uuid}?action=...    lifecycle verb
	DELETE /recovery-configurations/{uuid}               remove when unused
	GET    /recovery-configurations/{uuid}/recovery-tokens  fleet view

	GET    /metrics                                      Prometheus
	GET    /health                                       component health
	GET    /ready                                        store readiness

# Status codes

	200  success, including idempotent repeats
	201  resource created
	202  duplicate template converged on the existing configuration
	204  action applied, deletion done
	401  signature missing or invalid (cause logged server-side only)
	404  unknown resource, or sub-resource owned by another token
	409  state conflict: illegal action, colliding transition, stale etag
	412  deletion guard: the configuration still holds live tokens
	422  request validation failed
	429  per-client rate limit exceeded

A colliding transition (409 TransitionAlreadyExists) carries the in-flight
transition and its configuration in the error body so clients can watch it
instead of retrying blindly.

# Authentication

First-time enrollment is anonymous. Everything that reads or mutates secret
material requires an HTTP Signature over the Date header: hmac-sha256 keyed
with the caller's newest live recovery token, or a public-key signature
verified against the token's 9E slot (with an optional operator admin key as
fallback).

# Usage

	server := api.NewServer(cfg, m, fsm.New(m), verifier)
	go server.Start()
	...
	server.Shutdown(ctx)
*/
package api
