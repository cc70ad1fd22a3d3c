package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/escrowd/escrowd/pkg/events"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
)

// DefaultConcurrency is the fan-out batch size when the caller does not set
// one.
const DefaultConcurrency = 10

// TransitionParams describe the fan-out a gateway decision produced.
type TransitionParams struct {
	Config      *types.RecoveryConfiguration
	ConfigEtag  string
	Name        types.TransitionName
	Targets     []string
	Concurrency int
	Standalone  bool
	Forced      bool
}

// CreateTransition records a new fan-out. At most one unfinished transition
// per (configuration, name) may exist; a second create returns
// TransitionExistsError carrying the existing row.
//
// With no derivable targets (empty fleet) the row is born already finished
// and the configuration is advanced in the same batch, so a bootstrap
// configuration never waits on a worker.
func (m *Model) CreateTransition(params TransitionParams) (*types.Transition, error) {
	existing, _, err := m.UnfinishedTransition(params.Config.UUID, params.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &TransitionExistsError{Transition: existing, Config: params.Config}
	}

	now := m.now()
	tr := &types.Transition{
		V:                  types.SchemaVersion,
		UUID:               uuid.NewString(),
		RecoveryConfigUUID: params.Config.UUID,
		Name:               params.Name,
		Targets:            params.Targets,
		Completed:          []string{},
		TaskIDs:            []string{},
		Errs:               []types.TargetError{},
		Concurrency:        params.Concurrency,
		Standalone:         params.Standalone,
		Forced:             params.Forced,
		Created:            now,
	}
	if tr.Concurrency <= 0 {
		tr.Concurrency = DefaultConcurrency
	}

	if len(tr.Targets) == 0 {
		tr.Started = &now
		tr.Finished = &now

		advanced := *params.Config
		switch params.Name {
		case types.TransitionStage:
			advanced.Staged = &now
		case types.TransitionActivate:
			advanced.Activated = &now
		case types.TransitionDeactivate:
			advanced.Activated = nil
		case types.TransitionUnstage:
			advanced.Staged = nil
		}

		_, err := m.store.Batch([]storage.Op{
			storage.PutOp{
				Bucket: storage.BucketTransitions,
				Key:    tr.UUID,
				Value:  mustMarshal(tr),
			},
			storage.PutOp{
				Bucket: storage.BucketRecoveryConfigs,
				Key:    advanced.UUID,
				Value:  mustMarshal(&advanced),
				Etag:   params.ConfigEtag,
			},
		})
		if err != nil {
			return nil, err
		}
		m.publish(events.EventTransitionFinished, "empty-fleet transition finished",
			map[string]string{"uuid": tr.UUID, "name": string(tr.Name)})
		return tr, nil
	}

	if _, err := m.store.Put(storage.BucketTransitions, tr.UUID, mustMarshal(tr), ""); err != nil {
		return nil, err
	}
	m.publish(events.EventTransitionStarted, "transition scheduled",
		map[string]string{"uuid": tr.UUID, "name": string(tr.Name), "config": tr.RecoveryConfigUUID})
	return tr, nil
}

// GetTransition returns the transition and its etag.
func (m *Model) GetTransition(uuid string) (*types.Transition, string, error) {
	row, err := m.store.Get(storage.BucketTransitions, uuid)
	if err != nil {
		return nil, "", err
	}
	var tr types.Transition
	if err := json.Unmarshal(row.Value, &tr); err != nil {
		return nil, "", err
	}
	return &tr, row.Etag, nil
}

// ListTransitions returns every transition of one configuration, oldest
// first.
func (m *Model) ListTransitions(cfgUUID string) ([]*types.Transition, error) {
	rows, err := m.store.List(storage.BucketTransitions, storage.ListOpts{
		Filter: transitionFilter(func(tr *types.Transition) bool {
			return tr.RecoveryConfigUUID == cfgUUID
		}),
		Less: createdLess(func(tr *types.Transition) time.Time { return tr.Created }),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Transition, 0, len(rows))
	for _, row := range rows {
		var tr types.Transition
		if err := json.Unmarshal(row.Value, &tr); err != nil {
			return nil, err
		}
		out = append(out, &tr)
	}
	return out, nil
}

// UnfinishedTransition returns the unfinished, non-aborted transition of the
// given name for a configuration, or nil. Pass an empty name to match any.
func (m *Model) UnfinishedTransition(cfgUUID string, name types.TransitionName) (*types.Transition, string, error) {
	rows, err := m.store.List(storage.BucketTransitions, storage.ListOpts{
		Filter: transitionFilter(func(tr *types.Transition) bool {
			return tr.RecoveryConfigUUID == cfgUUID &&
				tr.Unfinished() &&
				(name == "" || tr.Name == name)
		}),
		Less:  createdLess(func(tr *types.Transition) time.Time { return tr.Created }),
		Limit: 1,
	})
	if err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", nil
	}
	var tr types.Transition
	if err := json.Unmarshal(rows[0].Value, &tr); err != nil {
		return nil, "", err
	}
	return &tr, rows[0].Etag, nil
}

// PickTransition returns the oldest transition whose finished timestamp is
// unset, aborted rows included (the worker finishes those without running
// them), or nil when the queue is empty.
func (m *Model) PickTransition() (*types.Transition, string, error) {
	rows, err := m.store.List(storage.BucketTransitions, storage.ListOpts{
		Filter: transitionFilter(func(tr *types.Transition) bool {
			return tr.Finished == nil
		}),
		Less:  createdLess(func(tr *types.Transition) time.Time { return tr.Created }),
		Limit: 1,
	})
	if err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", nil
	}
	var tr types.Transition
	if err := json.Unmarshal(rows[0].Value, &tr); err != nil {
		return nil, "", err
	}
	return &tr, rows[0].Etag, nil
}

// UpdateTransition conditionally persists the row and returns the fresh
// etag. ErrConflict means another worker holds the row.
func (m *Model) UpdateTransition(tr *types.Transition, etag string) (string, error) {
	return m.store.Put(storage.BucketTransitions, tr.UUID, mustMarshal(tr), etag)
}

// AbortTransition flags the row so the worker stops at its next batch
// boundary. Already-completed targets are not rolled back.
func (m *Model) AbortTransition(tr *types.Transition, etag string) (*types.Transition, error) {
	updated := *tr
	updated.Aborted = true
	if _, err := m.UpdateTransition(&updated, etag); err != nil {
		return nil, err
	}
	m.publish(events.EventTransitionAborted, "transition aborted",
		map[string]string{"uuid": tr.UUID, "name": string(tr.Name)})
	return &updated, nil
}

// FinishTransition stamps finished=now and persists conditionally.
func (m *Model) FinishTransition(tr *types.Transition, etag string) (*types.Transition, string, error) {
	now := m.now()
	updated := *tr
	updated.Finished = &now
	newEtag, err := m.UpdateTransition(&updated, etag)
	if err != nil {
		return nil, "", err
	}
	m.publish(events.EventTransitionFinished, "transition finished",
		map[string]string{"uuid": tr.UUID, "name": string(tr.Name)})
	return &updated, newEtag, nil
}
