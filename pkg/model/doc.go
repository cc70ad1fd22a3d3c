/*
Package model implements escrowd's business logic over the storage layer.

The model package is the only writer of domain rows. It enforces the
multi-row invariants (sibling expiry, atomic replace, transition dedupe) by
expressing every compound change as a single storage batch, and it publishes
lifecycle events to the broker after successful writes. HTTP handlers and the
orchestrator both drive the same model; neither touches storage directly.

# Architecture

	┌────────────┐   ┌──────────────┐
	│  pkg/api   │   │ orchestrator │
	└─────┬──────┘   └──────┬───────┘
	      │                 │
	      ▼                 ▼
	┌─────────────────────────────┐
	│          pkg/model          │
	│  invariants, derived UUIDs, │
	│  batched writes, events     │
	└──────────────┬──────────────┘
	               ▼
	┌─────────────────────────────┐
	│         pkg/storage          │
	│  etag-checked JSON rows      │
	└─────────────────────────────┘

# Concurrency model

The model holds no locks. Every read returns the row's etag; every write is
conditional on the etag the caller read. Two concurrent writers race at the
storage layer and exactly one of them fails with storage.ErrConflict, which
the API maps to 409 and the orchestrator treats as lost contention. Invariants
that span rows (expiring a sibling while activating its replacement, archiving
a token while deleting it) are single batches, so no reader ever observes the
intermediate state.

# PIV tokens

CreatePIVToken is idempotent per GUID. A fresh GUID writes the token plus its
first recovery token in one batch. A repeated GUID inside the refresh window
returns the existing row untouched; outside the window it mints a new recovery
token and expires the unused predecessor. DeletePIVToken archives the full
snapshot to the history bucket in the same batch that removes the live rows,
and ReplacePIVToken does delete-and-create in one batch so the fleet count
never dips.

# Recovery configurations

Configuration UUIDs derive from the normalized template, so CreateConfig
deduplicates naturally. The first configuration of an empty fleet bootstraps
straight to active. ExpireUnusedConfigs sweeps configurations whose recovery
tokens have all expired.

# Transitions

CreateTransition refuses to create a second unfinished transition for the
same configuration and name; the caller receives TransitionExistsError
carrying the in-flight row. An empty-fleet transition finishes inline and
advances the configuration in the same batch.

# Usage

	m := model.New(store,
		model.WithBroker(broker),
		model.WithTokenDuration(15*time.Minute),
	)

	token, created, err := m.CreatePIVToken(model.PIVTokenParams{
		GUID:   guid,
		CNUUID: cn,
		Pin:    pin,
	})

# Options

	WithBroker(b)         publish lifecycle events
	WithTokenDuration(d)  refresh window for repeated creates
	WithClock(fn)         test hook for time
*/
package model
