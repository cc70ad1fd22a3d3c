/*
Package config loads escrowd's YAML configuration.

One Config struct serves both the API server and the worker. Load overlays a
YAML file on the defaults and validates ranges; an empty path returns the
defaults unchanged. Durations are written as seconds in the file and exposed
as time.Duration accessors.

	listen_addr: ":8080"
	data_dir: /var/db/escrowd
	poll_interval: 60
	recovery_token_duration: 900
	history_duration: 2592000
	agent_url: http://127.0.0.1:8447
	rate_limit_rps: 50
	rate_limit_burst: 20

InstanceUUID identifies a worker in transition locked_by fields and is
generated when unset. TestBucketPrefix namespaces the store's buckets and
exists for ops tooling only.
*/
package config
