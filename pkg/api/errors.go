package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/escrowd/escrowd/pkg/auth"
	"github.com/escrowd/escrowd/pkg/fsm"
	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
	"github.com/escrowd/escrowd/pkg/validate"
)

// errorBody is the wire form of every error response. Transition and
// RecoveryConfiguration are only set for TransitionAlreadyExists, so the
// caller can observe the in-flight fan-out it collided with.
type errorBody struct {
	Code                  string                       `json:"code"`
	Message               string                       `json:"message"`
	Errors                []validate.FieldError        `json:"errors,omitempty"`
	Transition            *types.Transition            `json:"transition,omitempty"`
	RecoveryConfiguration *types.RecoveryConfiguration `json:"recovery_configuration,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger := log.WithComponent("api")
			logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

// renderError maps an internal error onto the HTTP error contract.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs      validate.Errors
		exists     *model.TransitionExistsError
		notAllowed *fsm.NotAllowedError
	)

	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "InvalidParameters",
			Message: "request validation failed",
			Errors:  verrs,
		})

	case errors.Is(err, model.ErrMissingParameter):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "MissingParameter",
			Message: err.Error(),
		})

	case errors.Is(err, fsm.ErrNoUnfinishedTransition):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "InvalidParameters",
			Message: err.Error(),
		})

	case errors.As(err, &exists):
		writeJSON(w, http.StatusConflict, errorBody{
			Code:                  "TransitionAlreadyExists",
			Message:               exists.Error(),
			Transition:            exists.Transition,
			RecoveryConfiguration: exists.Config,
		})

	case errors.As(err, &notAllowed),
		errors.Is(err, fsm.ErrTargetMismatch),
		errors.Is(err, fsm.ErrNotFullyStaged),
		errors.Is(err, model.ErrInvalidUpdate):
		writeJSON(w, http.StatusConflict, errorBody{
			Code:    "InvalidArgument",
			Message: err.Error(),
		})

	case errors.Is(err, model.ErrPreconditionFailed):
		writeJSON(w, http.StatusPreconditionFailed, errorBody{
			Code:    "PreconditionFailed",
			Message: err.Error(),
		})

	case errors.Is(err, auth.ErrUnauthorized):
		// The cause stays server-side.
		logger := log.WithComponent("api")
		logger.Warn().Err(err).
			Str("path", r.URL.Path).
			Msg("authentication failed")
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Code:    "Unauthorized",
			Message: "authentication failed",
		})

	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Code:    "ResourceNotFound",
			Message: err.Error(),
		})

	case errors.Is(err, storage.ErrUniqueViolation):
		writeJSON(w, http.StatusConflict, errorBody{
			Code:    "Duplicate",
			Message: err.Error(),
		})

	case errors.Is(err, storage.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{
			Code:    "Conflict",
			Message: "the row changed underneath the request, retry",
		})

	default:
		logger := log.WithComponent("api")
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    "InternalError",
			Message: "internal error",
		})
	}
}
