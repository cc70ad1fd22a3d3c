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

// PIVTokenParams are the creation parameters of a PIV token.
type PIVTokenParams struct {
	GUID        string
	CNUUID      string
	Serial      string
	Model       string
	PubKeys     *types.PubKeys
	Attestation *types.Attestation
	Pin         string
	Created     time.Time

	// RecoveryConfiguration optionally names the configuration backing the
	// first recovery token; the unique active configuration is used when
	// empty.
	RecoveryConfiguration string
}

// CreatePIVToken creates a PIV token together with its first recovery token
// in one atomic batch. A PIV token cannot exist without an active recovery
// configuration.
//
// A repeated create for an existing GUID is idempotent: when the newest
// recovery token is younger than the configured token duration and the
// requested configuration matches, the existing token is returned unchanged
// (created=false). Otherwise a new recovery token is appended to the chain,
// expiring any unused sibling.
func (m *Model) CreatePIVToken(params PIVTokenParams) (*types.PIVToken, bool, error) {
	existing, _, err := m.GetPIVToken(params.GUID)
	switch {
	case err == nil:
		return m.refreshPIVToken(existing, params)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}

	cfg, err := m.resolveConfig(params.RecoveryConfiguration)
	if err != nil {
		return nil, false, err
	}

	created := params.Created
	if created.IsZero() {
		created = m.now()
	}
	token := &types.PIVToken{
		V:           types.SchemaVersion,
		GUID:        params.GUID,
		CNUUID:      params.CNUUID,
		Serial:      params.Serial,
		Model:       params.Model,
		PubKeys:     params.PubKeys,
		Attestation: params.Attestation,
		Pin:         params.Pin,
		Created:     created,
	}

	rt, err := m.GenerateRecoveryToken(token.GUID, cfg)
	if err != nil {
		return nil, false, err
	}

	ops := []storage.Op{
		storage.PutOp{
			Bucket: storage.BucketPIVTokens,
			Key:    token.GUID,
			Value:  mustMarshal(token),
		},
	}
	ops = append(ops, m.createTokenOps(rt)...)
	if _, err := m.store.Batch(ops); err != nil {
		return nil, false, err
	}

	token.RecoveryTokens = []*types.RecoveryToken{rt}
	m.publish(events.EventTokenCreated, "pivtoken created",
		map[string]string{"guid": token.GUID, "cn_uuid": token.CNUUID})
	return token, true, nil
}

// refreshPIVToken handles a repeated create against an existing GUID.
func (m *Model) refreshPIVToken(existing *types.PIVToken, params PIVTokenParams) (*types.PIVToken, bool, error) {
	cfg, err := m.resolveConfig(params.RecoveryConfiguration)
	if err != nil {
		return nil, false, err
	}

	newest := existing.ActiveRecoveryToken()
	if newest != nil &&
		m.now().Sub(newest.Created) < m.tokenDuration &&
		newest.RecoveryConfiguration == cfg.UUID {
		return existing, false, nil
	}

	rt, err := m.GenerateRecoveryToken(existing.GUID, cfg)
	if err != nil {
		return nil, false, err
	}
	if _, err := m.store.Batch(m.createTokenOps(rt)); err != nil {
		return nil, false, err
	}

	existing.RecoveryTokens, err = m.ListTokensForPIV(existing.GUID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (m *Model) resolveConfig(uuid string) (*types.RecoveryConfiguration, error) {
	if uuid == "" {
		return m.ActiveConfig()
	}
	cfg, _, err := m.GetConfig(uuid)
	return cfg, err
}

// GetPIVToken returns the token with its recovery-token chain joined in,
// plus the row etag. Secret fields are present; callers strip them with
// Public() where the route demands it.
func (m *Model) GetPIVToken(guid string) (*types.PIVToken, string, error) {
	row, err := m.store.Get(storage.BucketPIVTokens, guid)
	if err != nil {
		return nil, "", err
	}
	var token types.PIVToken
	if err := json.Unmarshal(row.Value, &token); err != nil {
		return nil, "", err
	}
	token.RecoveryTokens, err = m.ListTokensForPIV(guid)
	if err != nil {
		return nil, "", err
	}
	return &token, row.Etag, nil
}

// ListPIVTokens returns tokens ordered by GUID with pagination.
func (m *Model) ListPIVTokens(limit, offset int) ([]*types.PIVToken, error) {
	rows, err := m.store.List(storage.BucketPIVTokens, storage.ListOpts{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	return decodeTokens(rows)
}

// ListByCN returns the tokens whose cn_uuid is in the given set.
func (m *Model) ListByCN(cnUUIDs []string) ([]*types.PIVToken, error) {
	want := make(map[string]bool, len(cnUUIDs))
	for _, cn := range cnUUIDs {
		want[cn] = true
	}
	rows, err := m.store.List(storage.BucketPIVTokens, storage.ListOpts{
		Filter: func(raw json.RawMessage) bool {
			var p types.PIVToken
			return json.Unmarshal(raw, &p) == nil && want[p.CNUUID]
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeTokens(rows)
}

// CountPIVTokens returns the fleet size.
func (m *Model) CountPIVTokens() (int, error) {
	return m.store.Count(storage.BucketPIVTokens, nil)
}

func decodeTokens(rows []storage.Row) ([]*types.PIVToken, error) {
	tokens := make([]*types.PIVToken, 0, len(rows))
	for _, row := range rows {
		var p types.PIVToken
		if err := json.Unmarshal(row.Value, &p); err != nil {
			return nil, err
		}
		tokens = append(tokens, &p)
	}
	return tokens, nil
}

// UpdatePIVToken mutates a token. Only cn_uuid is mutable; any other field
// in updates is rejected with ErrInvalidUpdate.
func (m *Model) UpdatePIVToken(guid string, updates map[string]interface{}) (*types.PIVToken, error) {
	for field := range updates {
		if field != "cn_uuid" {
			return nil, fmt.Errorf("field %s is immutable: %w", field, ErrInvalidUpdate)
		}
	}
	cn, ok := updates["cn_uuid"].(string)
	if !ok || cn == "" {
		return nil, fmt.Errorf("cn_uuid: %w", ErrInvalidUpdate)
	}

	token, etag, err := m.GetPIVToken(guid)
	if err != nil {
		return nil, err
	}
	token.CNUUID = cn

	persist := *token
	persist.RecoveryTokens = nil
	if _, err := m.store.Put(storage.BucketPIVTokens, guid, mustMarshal(&persist), etag); err != nil {
		return nil, err
	}

	m.publish(events.EventTokenUpdated, "pivtoken updated",
		map[string]string{"guid": guid, "cn_uuid": cn})
	return token, nil
}

// DeletePIVToken removes a token, archives it into history and deletes its
// recovery tokens, all in one batch.
func (m *Model) DeletePIVToken(guid string) error {
	token, etag, err := m.GetPIVToken(guid)
	if err != nil {
		return err
	}

	if _, err := m.store.Batch(m.deleteTokenOps(token, etag)); err != nil {
		return err
	}

	m.publish(events.EventTokenDeleted, "pivtoken deleted",
		map[string]string{"guid": guid})
	return nil
}

// deleteTokenOps builds the archive+delete batch for one loaded PIV token.
func (m *Model) deleteTokenOps(token *types.PIVToken, etag string) []storage.Op {
	snapshot := *token
	snapshot.RecoveryTokens = nil
	history := &types.PIVTokenHistory{
		V:              types.SchemaVersion,
		GUID:           token.GUID,
		Token:          &snapshot,
		RecoveryTokens: token.RecoveryTokens,
		ActiveRange:    types.TimeRange{Start: token.Created, End: m.now()},
	}

	return []storage.Op{
		storage.PutOp{
			Bucket: storage.BucketPIVTokenHistory,
			Key:    historyKey(token.GUID, history.ActiveRange.End),
			Value:  mustMarshal(history),
		},
		storage.DeleteOp{Bucket: storage.BucketPIVTokens, Key: token.GUID, Etag: etag},
		storage.DeleteManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(rt *types.RecoveryToken) bool {
				return rt.PIVToken == token.GUID
			}),
		},
	}
}

// historyKey keys archive rows by GUID plus deletion time, so a GUID that
// comes and goes repeatedly keeps every generation.
func historyKey(guid string, end time.Time) string {
	return guid + "-" + end.UTC().Format(time.RFC3339Nano)
}

// ReplacePIVToken atomically deletes the replaced token (archiving it) and
// creates its successor with a fresh first recovery token. The caller has
// already authenticated against the replaced token's recovery token.
func (m *Model) ReplacePIVToken(replacedGUID string, params PIVTokenParams) (*types.PIVToken, error) {
	old, etag, err := m.GetPIVToken(replacedGUID)
	if err != nil {
		return nil, err
	}
	if _, _, err := m.GetPIVToken(params.GUID); err == nil {
		return nil, fmt.Errorf("pivtoken %s: %w", params.GUID, storage.ErrUniqueViolation)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	cfg, err := m.resolveConfig(params.RecoveryConfiguration)
	if err != nil {
		return nil, err
	}

	created := params.Created
	if created.IsZero() {
		created = m.now()
	}
	token := &types.PIVToken{
		V:           types.SchemaVersion,
		GUID:        params.GUID,
		CNUUID:      params.CNUUID,
		Serial:      params.Serial,
		Model:       params.Model,
		PubKeys:     params.PubKeys,
		Attestation: params.Attestation,
		Pin:         params.Pin,
		Created:     created,
	}
	if token.CNUUID == "" {
		// A replacement token inherits the compute node by default.
		token.CNUUID = old.CNUUID
	}

	rt, err := m.GenerateRecoveryToken(token.GUID, cfg)
	if err != nil {
		return nil, err
	}

	ops := m.deleteTokenOps(old, etag)
	ops = append(ops, storage.PutOp{
		Bucket: storage.BucketPIVTokens,
		Key:    token.GUID,
		Value:  mustMarshal(token),
	})
	ops = append(ops, m.createTokenOps(rt)...)
	if _, err := m.store.Batch(ops); err != nil {
		return nil, err
	}

	token.RecoveryTokens = []*types.RecoveryToken{rt}
	m.publish(events.EventTokenReplaced, "pivtoken replaced",
		map[string]string{"old_guid": replacedGUID, "guid": token.GUID})
	return token, nil
}

// PruneHistory deletes archive rows whose active range ended before the
// cutoff, plus recovery tokens expired before the cutoff. Used by the
// pruner.
func (m *Model) PruneHistory(cutoff time.Time) error {
	_, err := m.store.Batch([]storage.Op{
		storage.DeleteManyOp{
			Bucket: storage.BucketPIVTokenHistory,
			Filter: historyFilter(func(h *types.PIVTokenHistory) bool {
				return h.ActiveRange.End.Before(cutoff)
			}),
		},
		storage.DeleteManyOp{
			Bucket: storage.BucketRecoveryTokens,
			Filter: tokenFilter(func(rt *types.RecoveryToken) bool {
				return rt.Expired != nil && rt.Expired.Before(cutoff)
			}),
		},
	})
	return err
}

// ListHistory returns archive rows, oldest first.
func (m *Model) ListHistory() ([]*types.PIVTokenHistory, error) {
	rows, err := m.store.List(storage.BucketPIVTokenHistory, storage.ListOpts{
		Less: createdLess(func(h *types.PIVTokenHistory) time.Time { return h.ActiveRange.End }),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.PIVTokenHistory, 0, len(rows))
	for _, row := range rows {
		var h types.PIVTokenHistory
		if err := json.Unmarshal(row.Value, &h); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, nil
}
