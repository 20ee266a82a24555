package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/getreqmod/reqmod/pkg/requestlog"
)

// RequestListResponse is the GET /requests body, newest first.
type RequestListResponse struct {
	Requests []*requestlog.Entry `json:"requests"`
	Count    int                 `json:"count"`
}

// CleanRequest is the POST /storage/clean body.
type CleanRequest struct {
	RetentionDays int `json:"retentionDays"`
}

// CleanResponse reports how many entries a cleanup pass removed.
type CleanResponse struct {
	Removed int `json:"removed"`
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	entries, err := a.logs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to list requests")
		a.log.Error("list requests", "error", err)
		return
	}

	// Optional filters: ?tabId=N and ?limit=N.
	if v := r.URL.Query().Get("tabId"); v != "" {
		tabID, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tab_id", "tabId must be an integer")
			return
		}
		filtered := entries[:0]
		for _, e := range entries {
			if e.TabID == tabID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		if limit < len(entries) {
			entries = entries[:limit]
		}
	}

	writeJSON(w, http.StatusOK, RequestListResponse{Requests: entries, Count: len(entries)})
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := a.logs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, requestlog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read request")
		a.log.Error("get request", "id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	var tabID *int
	if v := r.URL.Query().Get("tabId"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tab_id", "tabId must be an integer")
			return
		}
		tabID = &n
	}

	if err := a.logs.Clear(r.Context(), tabID); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to clear requests")
		a.log.Error("clear requests", "error", err)
		return
	}
	a.hub.Broadcast(Event{Type: "requests.cleared", Payload: map[string]any{"tabId": tabID}})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.store.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read storage info")
		a.log.Error("storage info", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleStorageClean(w http.ResponseWriter, r *http.Request) {
	var req CleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	if req.RetentionDays <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_retention", "retentionDays must be positive")
		return
	}

	removed, err := a.logs.CleanOldData(r.Context(), req.RetentionDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "cleanup failed")
		a.log.Error("storage clean", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, CleanResponse{Removed: removed})
}
