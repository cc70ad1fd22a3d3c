package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
	"github.com/escrowd/escrowd/pkg/validate"
)

var pivTokenSchema = validate.Schema{
	Required: map[string]validate.Func{
		"guid":    validate.GUID,
		"cn_uuid": validate.UUID,
		"pubkeys": validate.PubKeys,
		"pin":     validate.IsPresent,
	},
	Optional: map[string]validate.Func{
		"serial":                 validate.IsPresent,
		"model":                  validate.IsPresent,
		"created":                validate.ISO8601,
		"recovery_configuration": validate.UUID,
	},
}

func decodeParams(r *http.Request) (map[string]interface{}, error) {
	var params map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, validate.Errors{{
			Field:   "body",
			Code:    validate.CodeInvalid,
			Message: "request body is not a JSON object",
		}}
	}
	return params, nil
}

func strParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func pivTokenParams(params map[string]interface{}) model.PIVTokenParams {
	p := model.PIVTokenParams{
		GUID:                  strParam(params, "guid"),
		CNUUID:                strParam(params, "cn_uuid"),
		Serial:                strParam(params, "serial"),
		Model:                 strParam(params, "model"),
		Pin:                   strParam(params, "pin"),
		RecoveryConfiguration: strParam(params, "recovery_configuration"),
	}
	if pk, ok := params["pubkeys"].(map[string]interface{}); ok {
		p.PubKeys = &types.PubKeys{
			Key9A: strParam(pk, "9a"),
			Key9D: strParam(pk, "9d"),
			Key9E: strParam(pk, "9e"),
		}
	}
	if at, ok := params["attestation"].(map[string]interface{}); ok {
		p.Attestation = &types.Attestation{
			Cert9A: strParam(at, "9a"),
			Cert9D: strParam(at, "9d"),
			Cert9E: strParam(at, "9e"),
		}
	}
	if created := strParam(params, "created"); created != "" {
		if t, err := validate.ParseISO8601(created); err == nil {
			p.Created = t
		}
	}
	return p
}

// createPIVToken creates or refreshes a PIV token. A first-time create may
// be anonymous; a repeated create authenticates against the existing token.
func (s *Server) createPIVToken(w http.ResponseWriter, r *http.Request) {
	params, err := decodeParams(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := pivTokenSchema.Validate(params); err != nil {
		renderError(w, r, err)
		return
	}

	guid := strParam(params, "guid")
	existing, _, err := s.model.GetPIVToken(guid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		renderError(w, r, err)
		return
	}
	if err := s.verifier.Authenticate(r, existing, existing == nil); err != nil {
		renderError(w, r, err)
		return
	}

	token, created, err := s.model.CreatePIVToken(pivTokenParams(params))
	if err != nil {
		renderError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, token)
}

func (s *Server) listPIVTokens(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	tokens, err := s.model.ListPIVTokens(limit, offset)
	if err != nil {
		renderError(w, r, err)
		return
	}
	public := make([]*types.PIVToken, len(tokens))
	for i, t := range tokens {
		public[i] = t.Public()
	}
	writeJSON(w, http.StatusOK, public)
}

func pagination(r *http.Request) (limit, offset int, err error) {
	var errs validate.Errors
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 || n > validate.MaxLimit {
			errs = append(errs, validate.FieldError{
				Field:   "limit",
				Code:    validate.CodeInvalid,
				Message: fmt.Sprintf("limit must be an integer between 1 and %d", validate.MaxLimit),
			})
		} else {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			errs = append(errs, validate.FieldError{
				Field:   "offset",
				Code:    validate.CodeInvalid,
				Message: "offset must be a non-negative integer",
			})
		} else {
			offset = n
		}
	}
	if len(errs) > 0 {
		return 0, 0, errs
	}
	return limit, offset, nil
}

func (s *Server) getPIVToken(w http.ResponseWriter, r *http.Request) {
	token, _, err := s.model.GetPIVToken(chi.URLParam(r, "guid"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token.Public())
}

// getPin returns the full record, pin and token material included. Only the
// token's own keys (or the operator key) can fetch it.
func (s *Server) getPin(w http.ResponseWriter, r *http.Request) {
	token, _, err := s.model.GetPIVToken(chi.URLParam(r, "guid"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.verifier.Authenticate(r, token, false); err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// updatePIVToken applies the one mutable field, cn_uuid. Anything else in
// the body is rejected by the model.
func (s *Server) updatePIVToken(w http.ResponseWriter, r *http.Request) {
	token, _, err := s.model.GetPIVToken(chi.URLParam(r, "guid"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.verifier.Authenticate(r, token, false); err != nil {
		renderError(w, r, err)
		return
	}

	params, err := decodeParams(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	schema := validate.Schema{
		Optional: map[string]validate.Func{"cn_uuid": validate.UUID},
	}
	if err := schema.Validate(params); err != nil {
		renderError(w, r, err)
		return
	}

	updated, err := s.model.UpdatePIVToken(token.GUID, params)
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Public())
}

func (s *Server) deletePIVToken(w http.ResponseWriter, r *http.Request) {
	token, _, err := s.model.GetPIVToken(chi.URLParam(r, "guid"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.verifier.Authenticate(r, token, false); err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.model.DeletePIVToken(token.GUID); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// replacePIVToken swaps a lost token for its replacement in one atomic
// write. The caller proves possession of the replaced token's recovery
// token via HMAC.
func (s *Server) replacePIVToken(w http.ResponseWriter, r *http.Request) {
	old, _, err := s.model.GetPIVToken(chi.URLParam(r, "guid"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := s.verifier.Authenticate(r, old, false); err != nil {
		renderError(w, r, err)
		return
	}

	params, err := decodeParams(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if err := pivTokenSchema.Validate(params); err != nil {
		renderError(w, r, err)
		return
	}

	token, err := s.model.ReplacePIVToken(old.GUID, pivTokenParams(params))
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}
