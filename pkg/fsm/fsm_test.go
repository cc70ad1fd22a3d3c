package fsm

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
)

const (
	testGUID1 = "00112233445566778899AABBCCDDEEFF"
	testGUID2 = "FFEEDDCCBBAA99887766554433221100"
	testCN1   = "9f2c1e40-1111-4aaa-8bbb-000000000001"
	testCN2   = "9f2c1e40-2222-4aaa-8bbb-000000000002"
)

func newTestGateway(t *testing.T) (*Gateway, *model.Model) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := model.New(store)
	return New(m), m
}

func createToken(t *testing.T, m *model.Model, guid, cn string) {
	t.Helper()
	_, _, err := m.CreatePIVToken(model.PIVTokenParams{
		GUID:    guid,
		CNUUID:  cn,
		PubKeys: &types.PubKeys{Key9E: "ssh-ed25519 AAAA test"},
		Pin:     "123456",
	})
	require.NoError(t, err)
}

func TestStageFromCreated(t *testing.T) {
	g, m := newTestGateway(t)
	_, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	createToken(t, m, testGUID1, testCN1)
	createToken(t, m, testGUID2, testCN2)
	cfg, _, err := m.CreateConfig("BBBB==")
	require.NoError(t, err)

	res, err := g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionStage})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, types.TransitionStage, res.Transition.Name)
	assert.ElementsMatch(t, []string{testCN1, testCN2}, res.Transition.Targets)
	assert.False(t, res.Transition.Standalone)
}

func TestAllowListRejects(t *testing.T) {
	g, m := newTestGateway(t)
	active, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	created, _, err := m.CreateConfig("BBBB==")
	require.NoError(t, err)

	cases := []struct {
		name   string
		uuid   string
		action Action
	}{
		{"stage active", active.UUID, ActionStage},
		{"activate created", created.UUID, ActionActivate},
		{"unstage created", created.UUID, ActionUnstage},
		{"expire created", created.UUID, ActionExpire},
		{"reactivate active", active.UUID, ActionReactivate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Apply(Request{ConfigUUID: tc.uuid, Action: tc.action})
			var notAllowed *NotAllowedError
			require.ErrorAs(t, err, &notAllowed)
			assert.Equal(t, tc.action, notAllowed.Action)
		})
	}
}

func TestActivateRequiresFullStaging(t *testing.T) {
	g, m := newTestGateway(t)
	_, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	createToken(t, m, testGUID1, testCN1)
	cfg, _, err := m.CreateConfig("BBBB==")
	require.NoError(t, err)

	// Move the configuration to staged without staging any token.
	loaded, etag, err := m.GetConfig(cfg.UUID)
	require.NoError(t, err)
	_, err = m.AdvanceConfig(loaded, etag, types.TransitionStage)
	require.NoError(t, err)

	_, err = g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionActivate})
	assert.ErrorIs(t, err, ErrNotFullyStaged)

	res, err := g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionActivate, Force: true})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.True(t, res.Transition.Forced)
}

func TestSingleTokenScope(t *testing.T) {
	g, m := newTestGateway(t)
	_, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	createToken(t, m, testGUID1, testCN1)
	createToken(t, m, testGUID2, testCN2)
	cfg, _, err := m.CreateConfig("BBBB==")
	require.NoError(t, err)

	// Scoping a stage to one token of a two-token fleet is rejected.
	_, err = g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionStage, PIVToken: testGUID1})
	assert.ErrorIs(t, err, ErrTargetMismatch)

	// A forced activate may target a single compute node; the transition is
	// standalone so it never advances the configuration.
	loaded, etag, err := m.GetConfig(cfg.UUID)
	require.NoError(t, err)
	_, err = m.AdvanceConfig(loaded, etag, types.TransitionStage)
	require.NoError(t, err)

	res, err := g.Apply(Request{
		ConfigUUID: cfg.UUID,
		Action:     ActionActivate,
		PIVToken:   testGUID1,
		Force:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.True(t, res.Transition.Standalone)
	assert.Equal(t, []string{testCN1}, res.Transition.Targets)
}

func TestExpireAndReactivate(t *testing.T) {
	g, m := newTestGateway(t)
	cfg, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	createToken(t, m, testGUID1, testCN1)

	res, err := g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionExpire})
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.Equal(t, types.ConfigStateExpired, res.Config.State())

	res, err = g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionReactivate})
	require.NoError(t, err)
	assert.Equal(t, types.ConfigStateCreated, res.Config.State())
}

func TestCancel(t *testing.T) {
	g, m := newTestGateway(t)
	_, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	createToken(t, m, testGUID1, testCN1)
	cfg, _, err := m.CreateConfig("BBBB==")
	require.NoError(t, err)

	res, err := g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionStage})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)

	res, err = g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionCancel})
	require.NoError(t, err)
	require.NotNil(t, res.Cancelled)
	assert.True(t, res.Cancelled.Aborted)

	_, err = g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionCancel})
	assert.ErrorIs(t, err, ErrNoUnfinishedTransition)
}

func TestTransitionAlreadyExists(t *testing.T) {
	g, m := newTestGateway(t)
	_, _, err := m.CreateConfig("AAAA==")
	require.NoError(t, err)
	createToken(t, m, testGUID1, testCN1)
	cfg, _, err := m.CreateConfig("BBBB==")
	require.NoError(t, err)

	first, err := g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionStage})
	require.NoError(t, err)

	_, err = g.Apply(Request{ConfigUUID: cfg.UUID, Action: ActionStage})
	var exists *model.TransitionExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, first.Transition.UUID, exists.Transition.UUID)
	assert.Equal(t, cfg.UUID, exists.Config.UUID)
}

func TestUnknownConfig(t *testing.T) {
	g, _ := newTestGateway(t)
	_, err := g.Apply(Request{
		ConfigUUID: "10bee382-52ce-552c-95b8-f7bc40cce8dc",
		Action:     ActionStage,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
