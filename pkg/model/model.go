package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/escrowd/escrowd/pkg/events"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
)

// Model layer errors. API handlers map these onto HTTP statuses; the store's
// sentinel errors (not-found, conflict, unique-violation) pass through
// unchanged.
var (
	ErrMissingParameter   = errors.New("missing parameter")
	ErrInvalidUpdate      = errors.New("invalid update")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// TransitionExistsError is returned when an unfinished transition of the
// same name already exists for a configuration. It carries the existing row
// so callers can observe progress.
type TransitionExistsError struct {
	Transition *types.Transition
	Config     *types.RecoveryConfiguration
}

func (e *TransitionExistsError) Error() string {
	return fmt.Sprintf("unfinished %s transition %s already exists for configuration %s",
		e.Transition.Name, e.Transition.UUID, e.Transition.RecoveryConfigUUID)
}

// Model implements the entity operations over the store. All multi-row
// invariants are single store batches; there are no in-process locks.
type Model struct {
	store         storage.Store
	broker        *events.Broker
	tokenDuration time.Duration
	now           func() time.Time
}

// Option configures a Model.
type Option func(*Model)

// WithBroker wires lifecycle event publication.
func WithBroker(b *events.Broker) Option {
	return func(m *Model) { m.broker = b }
}

// WithTokenDuration sets the window inside which a repeated PIV token create
// reuses the newest recovery token instead of minting a new one.
func WithTokenDuration(d time.Duration) Option {
	return func(m *Model) { m.tokenDuration = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// New creates a Model over the given store.
func New(store storage.Store, opts ...Option) *Model {
	m := &Model{
		store:         store,
		tokenDuration: 15 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) publish(t events.EventType, msg string, meta map[string]string) {
	if m.broker != nil {
		m.broker.Publish(t, msg, meta)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Entities are plain structs; marshal can only fail on programmer
		// error.
		panic(fmt.Sprintf("marshal entity: %v", err))
	}
	return data
}

func configFilter(pred func(*types.RecoveryConfiguration) bool) storage.Filter {
	return func(raw json.RawMessage) bool {
		var c types.RecoveryConfiguration
		if err := json.Unmarshal(raw, &c); err != nil {
			return false
		}
		return pred(&c)
	}
}

func tokenFilter(pred func(*types.RecoveryToken) bool) storage.Filter {
	return func(raw json.RawMessage) bool {
		var rt types.RecoveryToken
		if err := json.Unmarshal(raw, &rt); err != nil {
			return false
		}
		return pred(&rt)
	}
}

func transitionFilter(pred func(*types.Transition) bool) storage.Filter {
	return func(raw json.RawMessage) bool {
		var tr types.Transition
		if err := json.Unmarshal(raw, &tr); err != nil {
			return false
		}
		return pred(&tr)
	}
}

func historyFilter(pred func(*types.PIVTokenHistory) bool) storage.Filter {
	return func(raw json.RawMessage) bool {
		var h types.PIVTokenHistory
		if err := json.Unmarshal(raw, &h); err != nil {
			return false
		}
		return pred(&h)
	}
}

func createdLess[T any](created func(*T) time.Time) func(a, b json.RawMessage) bool {
	return func(a, b json.RawMessage) bool {
		var va, vb T
		if err := json.Unmarshal(a, &va); err != nil {
			return false
		}
		if err := json.Unmarshal(b, &vb); err != nil {
			return false
		}
		return created(&va).Before(created(&vb))
	}
}
