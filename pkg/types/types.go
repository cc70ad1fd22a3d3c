package types

import (
	"time"
)

// SchemaVersion is the current on-disk schema version. Every persisted row
// carries the version it was written with so future migrations can detect
// stale rows.
const SchemaVersion = 2

// PubKeys holds the public keys of a PIV token's key slots. 9E is the card
// authentication key and is the only slot required on every token.
type PubKeys struct {
	Key9A string `json:"9a,omitempty"`
	Key9D string `json:"9d,omitempty"`
	Key9E string `json:"9e"`
}

// Attestation holds the optional attestation certificates for the key slots.
type Attestation struct {
	Cert9A string `json:"9a,omitempty"`
	Cert9D string `json:"9d,omitempty"`
	Cert9E string `json:"9e,omitempty"`
}

// PIVToken represents the hardware security token of one compute node.
type PIVToken struct {
	V           int          `json:"v"`
	GUID        string       `json:"guid"`
	CNUUID      string       `json:"cn_uuid"`
	Serial      string       `json:"serial,omitempty"`
	Model       string       `json:"model,omitempty"`
	PubKeys     *PubKeys     `json:"pubkeys"`
	Attestation *Attestation `json:"attestation,omitempty"`
	Pin         string       `json:"pin,omitempty"`
	Created     time.Time    `json:"created"`

	// RecoveryTokens is the token chain joined in from the recovery_tokens
	// bucket, ordered by Created ascending. It is populated by the model
	// layer and never persisted inside the pivtokens row.
	RecoveryTokens []*RecoveryToken `json:"recovery_tokens,omitempty"`
}

// ActiveRecoveryToken returns the newest recovery token whose Expired field
// is unset, or nil if every token in the chain has expired. Selection is by
// Created ordering, never by storage position, so a stale token can not be
// picked up after a replacement.
func (p *PIVToken) ActiveRecoveryToken() *RecoveryToken {
	var newest *RecoveryToken
	for _, rt := range p.RecoveryTokens {
		if rt.Expired != nil {
			continue
		}
		if newest == nil || rt.Created.After(newest.Created) {
			newest = rt
		}
	}
	return newest
}

// Public returns a copy with the secret fields stripped: the PIN and the
// raw token material of every recovery token.
func (p *PIVToken) Public() *PIVToken {
	out := *p
	out.Pin = ""
	out.RecoveryTokens = make([]*RecoveryToken, len(p.RecoveryTokens))
	for i, rt := range p.RecoveryTokens {
		c := *rt
		c.Token = ""
		out.RecoveryTokens[i] = &c
	}
	return &out
}

// RecoveryToken is one link in the per-PIV chain of shared secrets. Its UUID
// is derived from the token bytes, so identical material maps to the same
// row.
type RecoveryToken struct {
	V                     int        `json:"v"`
	UUID                  string     `json:"uuid"`
	PIVToken              string     `json:"pivtoken"`
	RecoveryConfiguration string     `json:"recovery_configuration"`
	Token                 string     `json:"token,omitempty"`
	Created               time.Time  `json:"created"`
	Staged                *time.Time `json:"staged,omitempty"`
	Activated             *time.Time `json:"activated,omitempty"`
	Expired               *time.Time `json:"expired,omitempty"`
}

// Satisfies reports whether the token is already in the state a transition
// of the given name drives targets toward. The orchestrator uses this to
// short-circuit targets on resume.
func (rt *RecoveryToken) Satisfies(name TransitionName) bool {
	switch name {
	case TransitionStage:
		return rt.Staged != nil
	case TransitionActivate:
		return rt.Staged != nil && rt.Activated != nil
	case TransitionDeactivate:
		return rt.Staged != nil && rt.Activated == nil
	case TransitionUnstage:
		return rt.Staged == nil
	}
	return false
}

// ConfigState is the derived lifecycle state of a recovery configuration.
type ConfigState string

const (
	ConfigStateNew     ConfigState = "new"
	ConfigStateCreated ConfigState = "created"
	ConfigStateStaged  ConfigState = "staged"
	ConfigStateActive  ConfigState = "active"
	ConfigStateExpired ConfigState = "expired"
	ConfigStateRemoved ConfigState = "removed"
)

// RecoveryConfiguration is a single eBox template shared fleet-wide. Its
// UUID is derived from the template, which makes duplicate creates
// deduplicate naturally.
type RecoveryConfiguration struct {
	V         int        `json:"v"`
	UUID      string     `json:"uuid"`
	Template  string     `json:"template"`
	Created   time.Time  `json:"created"`
	Staged    *time.Time `json:"staged,omitempty"`
	Activated *time.Time `json:"activated,omitempty"`
	Expired   *time.Time `json:"expired,omitempty"`
}

// State derives the configuration's lifecycle state from its timestamps.
// Transient states (staging, activating, ...) are not derived here; they are
// inferred from the presence of an unfinished transition row.
func (c *RecoveryConfiguration) State() ConfigState {
	switch {
	case c.Expired != nil:
		return ConfigStateExpired
	case c.Staged != nil && c.Activated != nil:
		return ConfigStateActive
	case c.Staged != nil:
		return ConfigStateStaged
	case !c.Created.IsZero():
		return ConfigStateCreated
	default:
		return ConfigStateNew
	}
}

// TransitionName identifies the fan-out operation a transition performs.
type TransitionName string

const (
	TransitionStage      TransitionName = "stage"
	TransitionUnstage    TransitionName = "unstage"
	TransitionActivate   TransitionName = "activate"
	TransitionDeactivate TransitionName = "deactivate"
)

// ValidTransitionName reports whether name is one of the four fan-out
// operations. Trivial actions (expire, reactivate, cancel) never create
// transition rows.
func ValidTransitionName(name string) bool {
	switch TransitionName(name) {
	case TransitionStage, TransitionUnstage, TransitionActivate, TransitionDeactivate:
		return true
	}
	return false
}

// TargetError is a structured per-target failure recorded during a fan-out.
type TargetError struct {
	Target  string `json:"target,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsZero reports whether the error is an empty placeholder. Placeholders are
// pruned before deciding whether a transition succeeded.
func (e TargetError) IsZero() bool {
	return e.Target == "" && e.Code == "" && e.Message == ""
}

// Transition is the durable record of a fan-out across compute nodes.
type Transition struct {
	V                  int            `json:"v"`
	UUID               string         `json:"uuid"`
	RecoveryConfigUUID string         `json:"recovery_config_uuid"`
	Name               TransitionName `json:"name"`
	Targets            []string       `json:"targets"`
	Completed          []string       `json:"completed"`
	TaskIDs            []string       `json:"taskids"`
	Errs               []TargetError  `json:"errs"`
	Concurrency        int            `json:"concurrency"`
	Standalone         bool           `json:"standalone"`
	Forced             bool           `json:"forced"`
	LockedBy           string         `json:"locked_by,omitempty"`
	Created            time.Time      `json:"created"`
	Started            *time.Time     `json:"started,omitempty"`
	Finished           *time.Time     `json:"finished,omitempty"`
	Aborted            bool           `json:"aborted,omitempty"`
}

// Unfinished reports whether the transition is still eligible for pickup.
func (t *Transition) Unfinished() bool {
	return t.Finished == nil && !t.Aborted
}

// Pending returns the targets that have not been recorded as completed, in
// target order.
func (t *Transition) Pending() []string {
	done := make(map[string]bool, len(t.Completed))
	for _, cn := range t.Completed {
		done[cn] = true
	}
	var pending []string
	for _, cn := range t.Targets {
		if !done[cn] {
			pending = append(pending, cn)
		}
	}
	return pending
}

// RealErrs returns Errs with empty placeholder objects pruned. A transition
// succeeded only when this is empty at finish time.
func (t *Transition) RealErrs() []TargetError {
	var errs []TargetError
	for _, e := range t.Errs {
		if !e.IsZero() {
			errs = append(errs, e)
		}
	}
	return errs
}

// TimeRange is a closed interval used for history retention queries.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PIVTokenHistory is the append-only archive row written when a PIV token is
// deleted. It carries the full token snapshot (recovery tokens included) so
// an accidentally deleted token can be recovered.
type PIVTokenHistory struct {
	V              int              `json:"v"`
	GUID           string           `json:"guid"`
	Token          *PIVToken        `json:"token"`
	RecoveryTokens []*RecoveryToken `json:"recovery_tokens,omitempty"`
	ActiveRange    TimeRange        `json:"active_range"`
}
