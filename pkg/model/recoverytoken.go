package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
)

// recoveryTokenBytes is the length of generated token material.
const recoveryTokenBytes = 40

// GenerateRecoveryToken mints a fresh recovery token for the (PIV token,
// configuration) pair. The token is 40 uniformly random bytes stored hex;
// the UUID is derived from the raw bytes. Staged/activated are copied from
// the configuration's state at the instant of creation, so a token minted
// under an active configuration is immediately usable.
func (m *Model) GenerateRecoveryToken(pivGUID string, cfg *types.RecoveryConfiguration) (*types.RecoveryToken, error) {
	raw := make([]byte, recoveryTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate recovery token: %w", err)
	}

	now := m.now()
	rt := &types.RecoveryToken{
		V:                     types.SchemaVersion,
		UUID:                  types.RecoveryTokenUUID(raw),
		PIVToken:              pivGUID,
		RecoveryConfiguration: cfg.UUID,
		Token:                 hex.EncodeToString(raw),
		Created:               now,
	}
	if cfg.Staged != nil {
		rt.Staged = &now
	}
	if cfg.Activated != nil {
		rt.Activated = &now
	}
	return rt, nil
}

// createTokenOps returns the batch ops that persist a new recovery token
// and, in the same transaction, expire any previous sibling of the PIV
// token that was never staged, activated or expired. Callers append these
// to a larger batch (PIV token creation) or run them alone.
func (m *Model) createTokenOps(rt *types.RecoveryToken) []storage.Op {
	now := m.now()
	return []storage.Op{
		storage.UpdateManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(sib *types.RecoveryToken) bool {
				return sib.PIVToken == rt.PIVToken && sib.UUID != rt.UUID &&
					sib.Staged == nil && sib.Activated == nil && sib.Expired == nil
			}),
			Update: expireTokenUpdate(now),
		},
		storage.PutOp{
			Bucket: storage.BucketRecoveryTokens,
			Key:    rt.UUID,
			Value:  mustMarshal(rt),
		},
	}
}

// CreateRecoveryToken generates and persists a new recovery token, expiring
// any unused previous sibling atomically.
func (m *Model) CreateRecoveryToken(pivGUID string, cfg *types.RecoveryConfiguration) (*types.RecoveryToken, error) {
	rt, err := m.GenerateRecoveryToken(pivGUID, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Batch(m.createTokenOps(rt)); err != nil {
		return nil, err
	}
	return rt, nil
}

func expireTokenUpdate(now time.Time) func(json.RawMessage) (json.RawMessage, error) {
	return func(raw json.RawMessage) (json.RawMessage, error) {
		var rt types.RecoveryToken
		if err := json.Unmarshal(raw, &rt); err != nil {
			return nil, err
		}
		if rt.Expired == nil {
			rt.Expired = &now
		}
		return json.Marshal(&rt)
	}
}

// GetRecoveryToken returns the token and its etag.
func (m *Model) GetRecoveryToken(uuid string) (*types.RecoveryToken, string, error) {
	row, err := m.store.Get(storage.BucketRecoveryTokens, uuid)
	if err != nil {
		return nil, "", err
	}
	var rt types.RecoveryToken
	if err := json.Unmarshal(row.Value, &rt); err != nil {
		return nil, "", err
	}
	return &rt, row.Etag, nil
}

// ListTokensForPIV returns the token chain of one PIV token ordered by
// Created ascending.
func (m *Model) ListTokensForPIV(pivGUID string) ([]*types.RecoveryToken, error) {
	return m.listTokens(tokenFilter(func(rt *types.RecoveryToken) bool {
		return rt.PIVToken == pivGUID
	}))
}

// ListTokensForConfig returns every recovery token referencing the
// configuration, ordered by Created ascending.
func (m *Model) ListTokensForConfig(cfgUUID string) ([]*types.RecoveryToken, error) {
	return m.listTokens(tokenFilter(func(rt *types.RecoveryToken) bool {
		return rt.RecoveryConfiguration == cfgUUID
	}))
}

func (m *Model) listTokens(filter storage.Filter) ([]*types.RecoveryToken, error) {
	rows, err := m.store.List(storage.BucketRecoveryTokens, storage.ListOpts{
		Filter: filter,
		Less:   createdLess(func(rt *types.RecoveryToken) time.Time { return rt.Created }),
	})
	if err != nil {
		return nil, err
	}
	tokens := make([]*types.RecoveryToken, 0, len(rows))
	for _, row := range rows {
		var rt types.RecoveryToken
		if err := json.Unmarshal(row.Value, &rt); err != nil {
			return nil, err
		}
		tokens = append(tokens, &rt)
	}
	return tokens, nil
}

// FindOrCreateToken returns the newest non-expired recovery token for the
// (PIV token, configuration) pair, creating one when the pair has none. The
// worker uses this to resolve fan-out targets.
func (m *Model) FindOrCreateToken(pivGUID string, cfg *types.RecoveryConfiguration) (*types.RecoveryToken, error) {
	rt, err := m.findTokenForPair(pivGUID, cfg.UUID)
	if err != nil {
		return nil, err
	}
	if rt != nil {
		return rt, nil
	}
	return m.CreateRecoveryToken(pivGUID, cfg)
}

// CountStagedTokens counts the configuration's recovery tokens that are
// staged and not expired. The activation precondition compares this against
// the fleet size.
func (m *Model) CountStagedTokens(cfgUUID string) (int, error) {
	return m.store.Count(storage.BucketRecoveryTokens,
		tokenFilter(func(rt *types.RecoveryToken) bool {
			return rt.RecoveryConfiguration == cfgUUID && rt.Staged != nil && rt.Expired == nil
		}))
}

// findTokenForPair returns the newest non-expired recovery token for a
// (PIV token, configuration) pair, or nil.
func (m *Model) findTokenForPair(pivGUID, cfgUUID string) (*types.RecoveryToken, error) {
	tokens, err := m.listTokens(tokenFilter(func(rt *types.RecoveryToken) bool {
		return rt.PIVToken == pivGUID && rt.RecoveryConfiguration == cfgUUID && rt.Expired == nil
	}))
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return tokens[len(tokens)-1], nil
}

// ApplyTokenTransition moves one recovery token into the state a transition
// name targets, expiring displaced siblings in the same batch:
//
//   - stage sets staged and expires any sibling of the same PIV that was
//     staged but never activated;
//   - activate sets activated (and staged, if unset) and expires any sibling
//     that was active;
//   - deactivate clears activated;
//   - unstage clears staged.
func (m *Model) ApplyTokenTransition(rt *types.RecoveryToken, etag string, name types.TransitionName) (*types.RecoveryToken, error) {
	now := m.now()
	updated := *rt
	ops := make([]storage.Op, 0, 2)

	switch name {
	case types.TransitionStage:
		updated.Staged = &now
		ops = append(ops, storage.UpdateManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(sib *types.RecoveryToken) bool {
				return sib.PIVToken == rt.PIVToken && sib.UUID != rt.UUID &&
					sib.Staged != nil && sib.Activated == nil && sib.Expired == nil
			}),
			Update: expireTokenUpdate(now),
		})
	case types.TransitionActivate:
		if updated.Staged == nil {
			updated.Staged = &now
		}
		updated.Activated = &now
		ops = append(ops, storage.UpdateManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(sib *types.RecoveryToken) bool {
				return sib.PIVToken == rt.PIVToken && sib.UUID != rt.UUID &&
					sib.Activated != nil && sib.Expired == nil
			}),
			Update: expireTokenUpdate(now),
		})
	case types.TransitionDeactivate:
		updated.Activated = nil
	case types.TransitionUnstage:
		updated.Staged = nil
	default:
		return nil, fmt.Errorf("unknown transition name %q: %w", name, ErrInvalidUpdate)
	}

	ops = append(ops, storage.PutOp{
		Bucket: storage.BucketRecoveryTokens,
		Key:    rt.UUID,
		Value:  mustMarshal(&updated),
		Etag:   etag,
	})

	if _, err := m.store.Batch(ops); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ExpireRecoveryToken marks one token expired.
func (m *Model) ExpireRecoveryToken(rt *types.RecoveryToken, etag string) (*types.RecoveryToken, error) {
	now := m.now()
	updated := *rt
	updated.Expired = &now
	if _, err := m.store.Put(storage.BucketRecoveryTokens, rt.UUID, mustMarshal(&updated), etag); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteRecoveryToken removes one token row.
func (m *Model) DeleteRecoveryToken(uuid string) error {
	return m.store.Delete(storage.BucketRecoveryTokens, uuid, "")
}
