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

// CreateConfig ingests an eBox template and creates its configuration row.
// The UUID is derived from the normalized template, so a duplicate create
// returns the pre-existing row with created=false.
//
// A configuration created while the fleet holds zero PIV tokens and zero
// configurations is born staged and activated (bootstrap).
func (m *Model) CreateConfig(template string) (*types.RecoveryConfiguration, bool, error) {
	template = types.NormalizeTemplate(template)
	if template == "" {
		return nil, false, fmt.Errorf("template: %w", ErrMissingParameter)
	}
	uuid := types.ConfigUUID(template)

	if row, err := m.store.Get(storage.BucketRecoveryConfigs, uuid); err == nil {
		var existing types.RecoveryConfiguration
		if err := json.Unmarshal(row.Value, &existing); err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	now := m.now()
	cfg := &types.RecoveryConfiguration{
		V:        types.SchemaVersion,
		UUID:     uuid,
		Template: template,
		Created:  now,
	}

	tokens, err := m.store.Count(storage.BucketPIVTokens, nil)
	if err != nil {
		return nil, false, err
	}
	configs, err := m.store.Count(storage.BucketRecoveryConfigs, nil)
	if err != nil {
		return nil, false, err
	}
	if tokens == 0 && configs == 0 {
		cfg.Staged = &now
		cfg.Activated = &now
	}

	if _, err := m.store.Put(storage.BucketRecoveryConfigs, uuid, mustMarshal(cfg), ""); err != nil {
		return nil, false, err
	}

	m.publish(events.EventConfigCreated, "recovery configuration created",
		map[string]string{"uuid": uuid})
	return cfg, true, nil
}

// GetConfig returns the configuration and its etag.
func (m *Model) GetConfig(uuid string) (*types.RecoveryConfiguration, string, error) {
	row, err := m.store.Get(storage.BucketRecoveryConfigs, uuid)
	if err != nil {
		return nil, "", err
	}
	var cfg types.RecoveryConfiguration
	if err := json.Unmarshal(row.Value, &cfg); err != nil {
		return nil, "", err
	}
	return &cfg, row.Etag, nil
}

// ListConfigs returns every configuration ordered by creation time.
func (m *Model) ListConfigs() ([]*types.RecoveryConfiguration, error) {
	rows, err := m.store.List(storage.BucketRecoveryConfigs, storage.ListOpts{
		Less: createdLess(func(c *types.RecoveryConfiguration) time.Time { return c.Created }),
	})
	if err != nil {
		return nil, err
	}
	configs := make([]*types.RecoveryConfiguration, 0, len(rows))
	for _, row := range rows {
		var cfg types.RecoveryConfiguration
		if err := json.Unmarshal(row.Value, &cfg); err != nil {
			return nil, err
		}
		configs = append(configs, &cfg)
	}
	return configs, nil
}

// ActiveConfig returns the unique configuration with activated set and
// expired unset, or ErrMissingParameter when none exists.
func (m *Model) ActiveConfig() (*types.RecoveryConfiguration, error) {
	rows, err := m.store.List(storage.BucketRecoveryConfigs, storage.ListOpts{
		Filter: configFilter(func(c *types.RecoveryConfiguration) bool {
			return c.Activated != nil && c.Expired == nil
		}),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no active recovery configuration: %w", ErrMissingParameter)
	}
	// Newest active wins if an older one has not been swept yet.
	var active *types.RecoveryConfiguration
	for _, row := range rows {
		var cfg types.RecoveryConfiguration
		if err := json.Unmarshal(row.Value, &cfg); err != nil {
			return nil, err
		}
		if active == nil || cfg.Activated.After(*active.Activated) {
			c := cfg
			active = &c
		}
	}
	return active, nil
}

// DeleteConfig removes a configuration. Only states new, created and expired
// are deletable; a staged or activated configuration must be expired first.
// Transition history for the configuration is removed in the same batch.
func (m *Model) DeleteConfig(uuid string) error {
	cfg, etag, err := m.GetConfig(uuid)
	if err != nil {
		return err
	}

	switch cfg.State() {
	case types.ConfigStateNew, types.ConfigStateCreated, types.ConfigStateExpired:
	default:
		return fmt.Errorf("configuration %s is %s: %w", uuid, cfg.State(), ErrPreconditionFailed)
	}

	_, err = m.store.Batch([]storage.Op{
		storage.DeleteOp{Bucket: storage.BucketRecoveryConfigs, Key: uuid, Etag: etag},
		storage.DeleteManyOp{
			Bucket: storage.BucketTransitions,
			Filter: transitionFilter(func(tr *types.Transition) bool {
				return tr.RecoveryConfigUUID == uuid
			}),
		},
	})
	if err != nil {
		return err
	}

	m.publish(events.EventConfigDeleted, "recovery configuration deleted",
		map[string]string{"uuid": uuid})
	return nil
}

// ExpireConfig marks the configuration and all of its non-expired recovery
// tokens expired in one batch.
func (m *Model) ExpireConfig(cfg *types.RecoveryConfiguration, etag string) (*types.RecoveryConfiguration, error) {
	now := m.now()
	updated := *cfg
	updated.Expired = &now

	_, err := m.store.Batch([]storage.Op{
		storage.PutOp{
			Bucket: storage.BucketRecoveryConfigs,
			Key:    cfg.UUID,
			Value:  mustMarshal(&updated),
			Etag:   etag,
		},
		storage.UpdateManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(rt *types.RecoveryToken) bool {
				return rt.RecoveryConfiguration == cfg.UUID && rt.Expired == nil
			}),
			Update: expireTokenUpdate(now),
		},
	})
	if err != nil {
		return nil, err
	}

	m.publish(events.EventConfigExpired, "recovery configuration expired",
		map[string]string{"uuid": cfg.UUID})
	return &updated, nil
}

// ReactivateConfig returns an expired configuration to the created state:
// its lifecycle timestamps are cleared, its transition history is removed
// and every one of its recovery tokens loses staged/activated/expired, all
// in one batch.
func (m *Model) ReactivateConfig(cfg *types.RecoveryConfiguration, etag string) (*types.RecoveryConfiguration, error) {
	if cfg.State() != types.ConfigStateExpired {
		return nil, fmt.Errorf("configuration %s is %s, not expired: %w",
			cfg.UUID, cfg.State(), ErrPreconditionFailed)
	}

	updated := *cfg
	updated.Staged = nil
	updated.Activated = nil
	updated.Expired = nil

	_, err := m.store.Batch([]storage.Op{
		storage.PutOp{
			Bucket: storage.BucketRecoveryConfigs,
			Key:    cfg.UUID,
			Value:  mustMarshal(&updated),
			Etag:   etag,
		},
		storage.DeleteManyOp{
			Bucket: storage.BucketTransitions,
			Filter: transitionFilter(func(tr *types.Transition) bool {
				return tr.RecoveryConfigUUID == cfg.UUID
			}),
		},
		storage.UpdateManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(rt *types.RecoveryToken) bool {
				return rt.RecoveryConfiguration == cfg.UUID
			}),
			Update: func(raw json.RawMessage) (json.RawMessage, error) {
				var rt types.RecoveryToken
				if err := json.Unmarshal(raw, &rt); err != nil {
					return nil, err
				}
				rt.Staged = nil
				rt.Activated = nil
				rt.Expired = nil
				return json.Marshal(&rt)
			},
		},
	})
	if err != nil {
		return nil, err
	}

	m.publish(events.EventConfigReactivated, "recovery configuration reactivated",
		map[string]string{"uuid": cfg.UUID})
	return &updated, nil
}

// AdvanceConfig moves the configuration's timestamps after a transition
// finished cleanly: stage sets staged, activate sets activated, deactivate
// clears activated, unstage clears staged.
func (m *Model) AdvanceConfig(cfg *types.RecoveryConfiguration, etag string, name types.TransitionName) (*types.RecoveryConfiguration, error) {
	now := m.now()
	updated := *cfg
	var event events.EventType

	switch name {
	case types.TransitionStage:
		updated.Staged = &now
		event = events.EventConfigStaged
	case types.TransitionActivate:
		updated.Activated = &now
		event = events.EventConfigActivated
	case types.TransitionDeactivate:
		updated.Activated = nil
		event = events.EventConfigStaged
	case types.TransitionUnstage:
		updated.Staged = nil
		event = events.EventConfigCreated
	default:
		return nil, fmt.Errorf("unknown transition name %q: %w", name, ErrInvalidUpdate)
	}

	if _, err := m.store.Put(storage.BucketRecoveryConfigs, cfg.UUID, mustMarshal(&updated), etag); err != nil {
		return nil, err
	}

	m.publish(event, fmt.Sprintf("recovery configuration advanced by %s", name),
		map[string]string{"uuid": cfg.UUID})
	return &updated, nil
}

// ExpireUnusedConfigs expires every configuration that is activated but not
// expired while all of its recovery tokens have expired. Returns the UUIDs
// of the configurations swept.
func (m *Model) ExpireUnusedConfigs() ([]string, error) {
	rows, err := m.store.List(storage.BucketRecoveryConfigs, storage.ListOpts{
		Filter: configFilter(func(c *types.RecoveryConfiguration) bool {
			return c.Activated != nil && c.Expired == nil
		}),
	})
	if err != nil {
		return nil, err
	}

	var swept []string
	for _, row := range rows {
		var cfg types.RecoveryConfiguration
		if err := json.Unmarshal(row.Value, &cfg); err != nil {
			return nil, err
		}

		total, err := m.store.Count(storage.BucketRecoveryTokens,
			tokenFilter(func(rt *types.RecoveryToken) bool {
				return rt.RecoveryConfiguration == cfg.UUID
			}))
		if err != nil {
			return nil, err
		}
		if total == 0 {
			// Never referenced; nothing to sweep.
			continue
		}

		live, err := m.store.Count(storage.BucketRecoveryTokens,
			tokenFilter(func(rt *types.RecoveryToken) bool {
				return rt.RecoveryConfiguration == cfg.UUID && rt.Expired == nil
			}))
		if err != nil {
			return nil, err
		}
		if live > 0 {
			continue
		}

		if _, err := m.ExpireConfig(&cfg, row.Etag); err != nil {
			// A concurrent writer won the etag race; skip this cycle.
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}
		swept = append(swept, cfg.UUID)
	}
	return swept, nil
}
