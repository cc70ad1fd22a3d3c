package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/escrowd/escrowd/pkg/fsm"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
	"github.com/escrowd/escrowd/pkg/validate"
)

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.model.ListConfigs()
	if err != nil {
		renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// createConfig ingests an eBox template. The body is either a JSON object
// with a template field or the raw template itself. The template-derived
// UUID makes duplicate creates converge: a repeat returns 202 with the
// pre-existing row.
func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		renderError(w, r, err)
		return
	}

	template := string(body)
	var params map[string]interface{}
	if json.Unmarshal(body, &params) == nil {
		if t, ok := params["template"].(string); ok {
			template = t
		}
	}

	cfg, created, err := s.model.CreateConfig(template)
	if err != nil {
		renderError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, cfg)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	cfg, _, err := s.model.GetConfig(chi.URLParam(r, "uuid"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	if r.URL.Query().Get("action") == "watch" {
		s.watchConfig(w, r, cfg)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// watchProgress is the body of the watch action: a poll-based view of the
// newest transition of the requested name.
type watchProgress struct {
	RecoveryConfiguration *types.RecoveryConfiguration `json:"recovery_configuration"`
	Transition            *types.Transition            `json:"transition"`
	Targets               int                          `json:"targets"`
	Completed             int                          `json:"completed"`
	Finished              bool                         `json:"finished"`
}

func (s *Server) watchConfig(w http.ResponseWriter, r *http.Request, cfg *types.RecoveryConfiguration) {
	name := r.URL.Query().Get("transition")
	if !types.ValidTransitionName(name) {
		renderError(w, r, validate.Errors{{
			Field:   "transition",
			Code:    validate.CodeInvalid,
			Message: "transition must be one of stage, unstage, activate, deactivate",
		}})
		return
	}

	transitions, err := s.model.ListTransitions(cfg.UUID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	var newest *types.Transition
	for _, tr := range transitions {
		if tr.Name == types.TransitionName(name) {
			newest = tr
		}
	}
	if newest == nil {
		renderError(w, r, fmt.Errorf("no %s transition for configuration %s: %w",
			name, cfg.UUID, storage.ErrNotFound))
		return
	}

	writeJSON(w, http.StatusOK, watchProgress{
		RecoveryConfiguration: cfg,
		Transition:            newest,
		Targets:               len(newest.Targets),
		Completed:             len(newest.Completed),
		Finished:              newest.Finished != nil,
	})
}

// configAction runs one lifecycle verb through the gateway. Scheduled
// fan-outs return 204 with a Location header pointing at the watch view.
func (s *Server) configAction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	action := q.Get("action")
	if !fsm.ValidAction(action) {
		renderError(w, r, validate.Errors{{
			Field:   "action",
			Code:    validate.CodeInvalid,
			Message: "action must be one of stage, unstage, activate, deactivate, expire, reactivate, cancel",
		}})
		return
	}

	req := fsm.Request{
		ConfigUUID: chi.URLParam(r, "uuid"),
		Action:     fsm.Action(action),
		PIVToken:   q.Get("pivtoken"),
		Force:      q.Get("force") == "true",
	}
	if req.PIVToken != "" {
		if fe := validate.GUID("pivtoken", req.PIVToken); fe != nil {
			renderError(w, r, validate.Errors{*fe})
			return
		}
	}
	if v := q.Get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			renderError(w, r, validate.Errors{{
				Field:   "concurrency",
				Code:    validate.CodeInvalid,
				Message: "concurrency must be a positive integer",
			}})
			return
		}
		req.Concurrency = n
	}

	res, err := s.gateway.Apply(req)
	if err != nil {
		renderError(w, r, err)
		return
	}

	if res.Transition != nil {
		w.Header().Set("Location", fmt.Sprintf(
			"/recovery-configurations/%s?action=watch&transition=%s",
			req.ConfigUUID, res.Transition.Name))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.model.DeleteConfig(chi.URLParam(r, "uuid")); err != nil {
		renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// configTokens shows the fleet distribution of one configuration. The route
// is public, so token material is stripped.
func (s *Server) configTokens(w http.ResponseWriter, r *http.Request) {
	cfg, _, err := s.model.GetConfig(chi.URLParam(r, "uuid"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	tokens, err := s.model.ListTokensForConfig(cfg.UUID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	public := make([]*types.RecoveryToken, len(tokens))
	for i, rt := range tokens {
		c := *rt
		c.Token = ""
		public[i] = &c
	}
	writeJSON(w, http.StatusOK, public)
}
