/*
Package types defines the core data structures shared across escrowd.

The types package contains the persisted entities (PIV tokens, recovery
tokens, recovery configurations, transitions, history rows) plus the
derived-state helpers that give them behavior. It has no dependencies on the
storage or model layers, so every other package can import it freely.

# Entities

	PIVToken               one compute node's hardware token: GUID, key
	                       slots, pin, and the joined recovery token chain
	RecoveryToken          one shared secret binding a PIV token to a
	                       recovery configuration
	RecoveryConfiguration  one fleet-wide eBox template with lifecycle
	                       timestamps
	Transition             the durable record of a fan-out across nodes
	PIVTokenHistory        archive snapshot written when a token is deleted

# Derived identity

Recovery tokens and recovery configurations never carry client-chosen
identifiers. Both UUIDs are derived (see uuid.go) by hashing the secret
material with SHA-512 and folding the digest into RFC 4122 shape:

	RecoveryTokenUUID(tokenBytes)   identical material, identical row
	RecoveryConfigUUID(template)    identical template, identical row

Derivation is what makes creates idempotent: retrying a create with the same
input converges on the same row instead of minting a duplicate.

# Derived state

A recovery configuration has no explicit state column. Its lifecycle state
is computed from which timestamps are set:

	expired set                  -> expired
	staged and activated set     -> active
	staged set                   -> staged
	created set                  -> created
	otherwise                    -> new

The transient states a UI might display (staging, activating) are not
derivable from the row alone; they are inferred from the presence of an
unfinished transition naming the configuration.

# Versioning

Every persisted struct carries V, the schema version it was written with
(SchemaVersion). Rows written by older binaries keep their version until a
migration rewrites them, so readers can detect and handle stale shapes.

# Usage

Checking whether a token already satisfies a fan-out:

	if rt.Satisfies(types.TransitionStage) {
		// skip the node agent round-trip
	}

Deriving a configuration's state:

	switch cfg.State() {
	case types.ConfigStateActive:
		...
	}
*/
package types
