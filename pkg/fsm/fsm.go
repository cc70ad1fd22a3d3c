package fsm

import (
	"errors"
	"fmt"

	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/types"
)

// Action is one of the lifecycle verbs accepted by the configuration PUT
// route. stage/unstage/activate/deactivate schedule a fan-out; expire and
// reactivate mutate rows directly; cancel aborts an in-flight fan-out.
type Action string

const (
	ActionStage      Action = "stage"
	ActionUnstage    Action = "unstage"
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
	ActionExpire     Action = "expire"
	ActionReactivate Action = "reactivate"
	ActionCancel     Action = "cancel"
)

// ValidAction reports whether s names a lifecycle verb.
func ValidAction(s string) bool {
	switch Action(s) {
	case ActionStage, ActionUnstage, ActionActivate, ActionDeactivate,
		ActionExpire, ActionReactivate, ActionCancel:
		return true
	}
	return false
}

// allowed is the static action allow-list per derived configuration state.
// Cancel is a meta-action checked separately; destroy goes through the
// delete route, not here.
var allowed = map[types.ConfigState]map[Action]bool{
	types.ConfigStateCreated: {ActionStage: true},
	types.ConfigStateStaged:  {ActionUnstage: true, ActionActivate: true},
	types.ConfigStateActive:  {ActionDeactivate: true, ActionExpire: true},
	types.ConfigStateExpired: {ActionReactivate: true},
}

// NotAllowedError rejects an action outside the allow-list for the
// configuration's derived state.
type NotAllowedError struct {
	Action Action
	State  types.ConfigState
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("action %s is not allowed in state %s", e.Action, e.State)
}

// Gateway errors beyond NotAllowedError and the model's sentinels.
var (
	// ErrTargetMismatch rejects a target subset that does not cover the
	// fleet when the action demands full coverage.
	ErrTargetMismatch = errors.New("target subset does not cover the fleet")

	// ErrNotFullyStaged rejects activation while some fleet member lacks a
	// staged recovery token.
	ErrNotFullyStaged = errors.New("recovery configuration is not staged on the whole fleet")

	// ErrNoUnfinishedTransition rejects a cancel with nothing to cancel.
	ErrNoUnfinishedTransition = errors.New("no unfinished transition to cancel")
)

// Request is one gateway invocation.
type Request struct {
	ConfigUUID string
	Action     Action

	// PIVToken optionally narrows the fan-out to a single token's compute
	// node; the resulting transition is standalone and never advances the
	// configuration.
	PIVToken    string
	Force       bool
	Concurrency int
}

// Result is what an accepted action produced. Transition is nil for the
// trivial actions and for cancel (Cancelled carries the aborted row
// instead).
type Result struct {
	Config     *types.RecoveryConfiguration
	Transition *types.Transition
	Cancelled  *types.Transition
}

// Gateway guards every configuration lifecycle action: it derives the
// state, consults the allow-list, checks fleet preconditions and either
// mutates rows directly or schedules a transition for the worker.
type Gateway struct {
	model *model.Model
}

// New creates a Gateway over the model.
func New(m *model.Model) *Gateway {
	return &Gateway{model: m}
}

// Apply runs one action through the gateway.
func (g *Gateway) Apply(req Request) (*Result, error) {
	cfg, etag, err := g.model.GetConfig(req.ConfigUUID)
	if err != nil {
		return nil, err
	}
	state := cfg.State()

	if req.Action == ActionCancel {
		return g.cancel(cfg)
	}
	if !allowed[state][req.Action] {
		return nil, &NotAllowedError{Action: req.Action, State: state}
	}

	switch req.Action {
	case ActionExpire:
		updated, err := g.model.ExpireConfig(cfg, etag)
		if err != nil {
			return nil, err
		}
		return &Result{Config: updated}, nil

	case ActionReactivate:
		updated, err := g.model.ReactivateConfig(cfg, etag)
		if err != nil {
			return nil, err
		}
		return &Result{Config: updated}, nil
	}

	targets, standalone, err := g.resolveTargets(req)
	if err != nil {
		return nil, err
	}
	if req.Action == ActionActivate {
		if err := g.checkStaged(cfg, req); err != nil {
			return nil, err
		}
	}

	tr, err := g.model.CreateTransition(model.TransitionParams{
		Config:      cfg,
		ConfigEtag:  etag,
		Name:        types.TransitionName(req.Action),
		Targets:     targets,
		Concurrency: req.Concurrency,
		Standalone:  standalone,
		Forced:      req.Force,
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithConfigUUID(cfg.UUID)
	logger.Info().
		Str("action", string(req.Action)).
		Str("transition", tr.UUID).
		Int("targets", len(targets)).
		Msg("transition scheduled")
	return &Result{Config: cfg, Transition: tr}, nil
}

// resolveTargets derives the compute-node UUIDs a fan-out addresses. The
// whole fleet by default; a single node when the caller scoped the action
// to one PIV token, which is only accepted for a forced activate.
func (g *Gateway) resolveTargets(req Request) ([]string, bool, error) {
	fleet, err := g.model.ListPIVTokens(0, 0)
	if err != nil {
		return nil, false, err
	}

	if req.PIVToken == "" {
		targets := make([]string, 0, len(fleet))
		for _, p := range fleet {
			targets = append(targets, p.CNUUID)
		}
		return targets, false, nil
	}

	if len(fleet) > 1 && !(req.Action == ActionActivate && req.Force) {
		return nil, false, fmt.Errorf("%d of %d tokens targeted: %w", 1, len(fleet), ErrTargetMismatch)
	}
	token, _, err := g.model.GetPIVToken(req.PIVToken)
	if err != nil {
		return nil, false, err
	}
	// Scoping to the only token of a one-node fleet still covers the fleet.
	return []string{token.CNUUID}, len(fleet) > 1, nil
}

// checkStaged enforces full-fleet staging before activation, unless forced.
func (g *Gateway) checkStaged(cfg *types.RecoveryConfiguration, req Request) error {
	if req.Force {
		return nil
	}
	fleet, err := g.model.CountPIVTokens()
	if err != nil {
		return err
	}
	staged, err := g.model.CountStagedTokens(cfg.UUID)
	if err != nil {
		return err
	}
	if staged < fleet {
		return fmt.Errorf("%d of %d staged: %w", staged, fleet, ErrNotFullyStaged)
	}
	return nil
}

// cancel aborts the one unfinished transition of the configuration.
func (g *Gateway) cancel(cfg *types.RecoveryConfiguration) (*Result, error) {
	tr, etag, err := g.model.UnfinishedTransition(cfg.UUID, "")
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, ErrNoUnfinishedTransition
	}
	aborted, err := g.model.AbortTransition(tr, etag)
	if err != nil {
		return nil, err
	}
	logger := log.WithConfigUUID(cfg.UUID)
	logger.Info().
		Str("transition", tr.UUID).
		Msg("transition cancelled")
	return &Result{Config: cfg, Cancelled: aborted}, nil
}
