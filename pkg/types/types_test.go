package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(t time.Time) *time.Time { return &t }

func TestDeriveUUID(t *testing.T) {
	// SHA-512("AAAA==") truncated to 16 bytes with version/variant bits set.
	const want = "10bee382-52ce-552c-95b8-f7bc40cce8dc"

	got := DeriveUUID([]byte("AAAA=="))
	assert.Equal(t, want, got)

	// Deterministic: same input, same UUID.
	assert.Equal(t, got, DeriveUUID([]byte("AAAA==")))

	// Version nibble 5, variant bits 10.
	require.Len(t, got, 36)
	assert.Equal(t, byte('5'), got[14])
	assert.Contains(t, "89ab", string(got[19]))
}

func TestConfigUUIDStripsNewlines(t *testing.T) {
	assert.Equal(t, ConfigUUID("AAAA=="), ConfigUUID("AAAA==\n"))
	assert.Equal(t, ConfigUUID("AAAA=="), ConfigUUID("AA\nAA\r\n=="))
}

func TestConfigState(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cfg  RecoveryConfiguration
		want ConfigState
	}{
		{"new", RecoveryConfiguration{}, ConfigStateNew},
		{"created", RecoveryConfiguration{Created: now}, ConfigStateCreated},
		{"staged", RecoveryConfiguration{Created: now, Staged: ts(now)}, ConfigStateStaged},
		{"active", RecoveryConfiguration{Created: now, Staged: ts(now), Activated: ts(now)}, ConfigStateActive},
		{"expired", RecoveryConfiguration{Created: now, Staged: ts(now), Activated: ts(now), Expired: ts(now)}, ConfigStateExpired},
		{"expired without activation", RecoveryConfiguration{Created: now, Expired: ts(now)}, ConfigStateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.State())
		})
	}
}

func TestActiveRecoveryToken(t *testing.T) {
	base := time.Now()
	older := &RecoveryToken{UUID: "a", Created: base}
	newer := &RecoveryToken{UUID: "b", Created: base.Add(time.Minute)}
	expired := &RecoveryToken{UUID: "c", Created: base.Add(time.Hour), Expired: ts(base.Add(time.Hour))}

	// Storage order deliberately puts the newest first; selection must go by
	// Created, not position.
	p := &PIVToken{RecoveryTokens: []*RecoveryToken{newer, older, expired}}
	got := p.ActiveRecoveryToken()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.UUID)

	// All expired means no usable token.
	p = &PIVToken{RecoveryTokens: []*RecoveryToken{expired}}
	assert.Nil(t, p.ActiveRecoveryToken())
}

func TestPublicStripsSecrets(t *testing.T) {
	p := &PIVToken{
		GUID: "97496DD1C8F053DE7450CD854D9C95B4",
		Pin:  "123456",
		RecoveryTokens: []*RecoveryToken{
			{UUID: "u1", Token: "deadbeef"},
		},
	}

	pub := p.Public()
	assert.Empty(t, pub.Pin)
	require.Len(t, pub.RecoveryTokens, 1)
	assert.Empty(t, pub.RecoveryTokens[0].Token)

	// The original is untouched.
	assert.Equal(t, "123456", p.Pin)
	assert.Equal(t, "deadbeef", p.RecoveryTokens[0].Token)
}

func TestSatisfies(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		token RecoveryToken
		tr    TransitionName
		want  bool
	}{
		{"staged satisfies stage", RecoveryToken{Staged: ts(now)}, TransitionStage, true},
		{"unstaged does not satisfy stage", RecoveryToken{}, TransitionStage, false},
		{"active satisfies activate", RecoveryToken{Staged: ts(now), Activated: ts(now)}, TransitionActivate, true},
		{"staged only does not satisfy activate", RecoveryToken{Staged: ts(now)}, TransitionActivate, false},
		{"staged satisfies deactivate", RecoveryToken{Staged: ts(now)}, TransitionDeactivate, true},
		{"active does not satisfy deactivate", RecoveryToken{Staged: ts(now), Activated: ts(now)}, TransitionDeactivate, false},
		{"bare satisfies unstage", RecoveryToken{}, TransitionUnstage, true},
		{"staged does not satisfy unstage", RecoveryToken{Staged: ts(now)}, TransitionUnstage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Satisfies(tt.tr))
		})
	}
}

func TestTransitionPendingAndErrs(t *testing.T) {
	tr := &Transition{
		Targets:   []string{"cn1", "cn2", "cn3"},
		Completed: []string{"cn1", "cn3"},
		Errs:      []TargetError{{}, {Target: "cn2", Code: "TaskFailed", Message: "boom"}},
	}

	assert.Equal(t, []string{"cn2"}, tr.Pending())

	errs := tr.RealErrs()
	require.Len(t, errs, 1)
	assert.Equal(t, "cn2", errs[0].Target)

	assert.True(t, tr.Unfinished())
	tr.Aborted = true
	assert.False(t, tr.Unfinished())
}
