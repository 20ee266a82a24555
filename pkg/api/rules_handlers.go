package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getreqmod/reqmod/pkg/declarative"
	"github.com/getreqmod/reqmod/pkg/engine"
	"github.com/getreqmod/reqmod/pkg/modify"
	"github.com/getreqmod/reqmod/pkg/rule"
)

// RuleListResponse is the GET /rules body.
type RuleListResponse struct {
	Rules []*rule.Rule `json:"rules"`
	Count int          `json:"count"`
}

// ToggleRequest is the POST /rules/{id}/toggle body.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ImportResponse is the POST /rules/import body.
type ImportResponse struct {
	Imported int `json:"imported"`
}

// EvaluateResponse is the POST /evaluate body: the rules a request
// would match and the modification they produce.
type EvaluateResponse struct {
	Matched []*rule.Rule   `json:"matched"`
	Effect  *modify.Effect `json:"effect,omitempty"`
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.rules.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list rules")
		a.log.Error("list rules", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, RuleListResponse{Rules: rules, Count: len(rules)})
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var ru rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&ru); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	ru.ID = ""
	a.saveRule(w, r, &ru, http.StatusCreated, "rule.created")
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.rules.GetRule(r.Context(), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read rule")
		a.log.Error("update rule: lookup", "id", id, "error", err)
		return
	}

	var ru rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&ru); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	ru.ID = id
	a.saveRule(w, r, &ru, http.StatusOK, "rule.updated")
}

func (a *API) saveRule(w http.ResponseWriter, r *http.Request, ru *rule.Rule, okStatus int, event string) {
	id, err := a.rules.SaveRule(r.Context(), ru)
	if err != nil {
		var verrs rule.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "validation_error", verrs.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to save rule")
		a.log.Error("save rule", "error", err)
		return
	}

	saved, err := a.rules.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read saved rule")
		a.log.Error("save rule: readback", "id", id, "error", err)
		return
	}
	a.hub.Broadcast(Event{Type: event, Payload: saved})
	writeJSON(w, okStatus, saved)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ru, err := a.rules.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read rule")
		a.log.Error("get rule", "id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, ru)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.rules.DeleteRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to delete rule")
		a.log.Error("delete rule", "id", id, "error", err)
		return
	}
	a.hub.Broadcast(Event{Type: "rule.deleted", Payload: map[string]string{"id": id}})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	if err := a.rules.ToggleRule(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to toggle rule")
		a.log.Error("toggle rule", "id", id, "error", err)
		return
	}
	a.hub.Broadcast(Event{Type: "rule.toggled", Payload: map[string]any{"id": id, "enabled": req.Enabled}})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExportRules(w http.ResponseWriter, r *http.Request) {
	format := engine.ExportFormat(r.URL.Query().Get("format"))
	data, err := a.rules.Export(r.Context(), format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "export_failed", err.Error())
		return
	}
	if format == engine.FormatYAML {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) handleImportRules(w http.ResponseWriter, r *http.Request) {
	mode := engine.ImportMode(r.URL.Query().Get("mode"))
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", "failed to read request body")
		return
	}

	n, err := a.rules.Import(r.Context(), data, mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "import_failed", err.Error())
		return
	}
	a.hub.Broadcast(Event{Type: "rules.imported", Payload: map[string]int{"count": n}})
	writeJSON(w, http.StatusOK, ImportResponse{Imported: n})
}

func (a *API) handleDeclarativeRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.rules.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list rules")
		a.log.Error("declarative rules", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, declarative.Convert(rules))
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing_url", "request url is required")
		return
	}

	matched, err := a.rules.Evaluate(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to evaluate request")
		a.log.Error("evaluate", "url", req.URL, "error", err)
		return
	}

	resp := EvaluateResponse{Matched: matched}
	if len(matched) > 0 {
		var headers modify.Headers
		for name, value := range req.Headers {
			headers = append(headers, modify.Header{Name: name, Value: value})
		}
		resp.Effect = a.modifier.Compute(matched, headers)
	}
	writeJSON(w, http.StatusOK, resp)
}
