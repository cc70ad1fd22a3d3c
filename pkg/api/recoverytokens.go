package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
	"github.com/escrowd/escrowd/pkg/validate"
)

// loadAuthedPIVToken loads the parent PIV token of a recovery-token route
// and authenticates the request against it.
func (s *Server) loadAuthedPIVToken(w http.ResponseWriter, r *http.Request) (*types.PIVToken, bool) {
	token, _, err := s.model.GetPIVToken(chi.URLParam(r, "guid"))
	if err != nil {
		renderError(w, r, err)
		return nil, false
	}
	if err := s.verifier.Authenticate(r, token, false); err != nil {
		renderError(w, r, err)
		return nil, false
	}
	return token, true
}

func (s *Server) listRecoveryTokens(w http.ResponseWriter, r *http.Request) {
	token, ok := s.loadAuthedPIVToken(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, token.RecoveryTokens)
}

// createRecoveryToken mints a fresh recovery token for the PIV token,
// against the named configuration or the active one.
func (s *Server) createRecoveryToken(w http.ResponseWriter, r *http.Request) {
	token, ok := s.loadAuthedPIVToken(w, r)
	if !ok {
		return
	}

	params, err := decodeParams(r)
	if err != nil {
		// An empty body is fine: default to the active configuration.
		params = map[string]interface{}{}
	}
	schema := validate.Schema{
		Optional: map[string]validate.Func{"recovery_configuration": validate.UUID},
	}
	if err := schema.Validate(params); err != nil {
		renderError(w, r, err)
		return
	}

	var cfg *types.RecoveryConfiguration
	if uuid := strParam(params, "recovery_configuration"); uuid != "" {
		cfg, _, err = s.model.GetConfig(uuid)
	} else {
		cfg, err = s.model.ActiveConfig()
	}
	if err != nil {
		renderError(w, r, err)
		return
	}

	rt, err := s.model.CreateRecoveryToken(token.GUID, cfg)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

// loadOwnedRecoveryToken resolves the {uuid} sub-resource and checks it
// belongs to the route's PIV token.
func (s *Server) loadOwnedRecoveryToken(w http.ResponseWriter, r *http.Request, guid string) (*types.RecoveryToken, string, bool) {
	rt, etag, err := s.model.GetRecoveryToken(chi.URLParam(r, "uuid"))
	if err != nil {
		renderError(w, r, err)
		return nil, "", false
	}
	if rt.PIVToken != guid {
		renderError(w, r, storage.ErrNotFound)
		return nil, "", false
	}
	return rt, etag, true
}

func (s *Server) getRecoveryToken(w http.ResponseWriter, r *http.Request) {
	token, ok := s.loadAuthedPIVToken(w, r)
	if !ok {
		return
	}
	rt, _, ok := s.loadOwnedRecoveryToken(w, r, token.GUID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

var errUnknownTokenAction = validate.Errors{{
	Field:   "action",
	Code:    validate.CodeInvalid,
	Message: "action must be one of stage, unstage, activate, deactivate, expire",
}}

func (s *Server) applyTokenAction(rt *types.RecoveryToken, etag, action string) (*types.RecoveryToken, error) {
	switch {
	case action == "expire":
		return s.model.ExpireRecoveryToken(rt, etag)
	case types.ValidTransitionName(action):
		return s.model.ApplyTokenTransition(rt, etag, types.TransitionName(action))
	}
	return nil, errUnknownTokenAction
}

// updateRecoveryToken moves one token through its lifecycle:
// stage/activate/deactivate/unstage apply the usual sibling-expiry
// invariants; expire marks it dead.
func (s *Server) updateRecoveryToken(w http.ResponseWriter, r *http.Request) {
	token, ok := s.loadAuthedPIVToken(w, r)
	if !ok {
		return
	}
	rt, etag, ok := s.loadOwnedRecoveryToken(w, r, token.GUID)
	if !ok {
		return
	}

	params, err := decodeParams(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	updated, err := s.applyTokenAction(rt, etag, strParam(params, "action"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// bulkUpdateRecoveryTokens applies one action to every live token in the
// PIV token's chain. Expired tokens are carried through untouched.
func (s *Server) bulkUpdateRecoveryTokens(w http.ResponseWriter, r *http.Request) {
	token, ok := s.loadAuthedPIVToken(w, r)
	if !ok {
		return
	}
	params, err := decodeParams(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	action := strParam(params, "action")

	out := make([]*types.RecoveryToken, 0, len(token.RecoveryTokens))
	for _, rt := range token.RecoveryTokens {
		if rt.Expired != nil {
			out = append(out, rt)
			continue
		}
		// Re-read for a fresh etag: an earlier iteration may have touched
		// this row through a sibling-expiry invariant.
		cur, etag, err := s.model.GetRecoveryToken(rt.UUID)
		if err != nil {
			renderError(w, r, err)
			return
		}
		if cur.Expired != nil {
			out = append(out, cur)
			continue
		}
		updated, err := s.applyTokenAction(cur, etag, action)
		if err != nil {
			renderError(w, r, err)
			return
		}
		out = append(out, updated)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteRecoveryToken(w http.ResponseWriter, r *http.Request) {
	token, ok := s.loadAuthedPIVToken(w, r)
	if !ok {
		return
	}
	rt, _, ok := s.loadOwnedRecoveryToken(w, r, token.GUID)
	if !ok {
		return
	}
	if err := s.model.DeleteRecoveryToken(rt.UUID); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
