package api

import (
	"encoding/json"
	"net/http"

	"github.com/getreqmod/reqmod/pkg/intercept"
	"github.com/getreqmod/reqmod/pkg/modify"
)

// HeadersRequest is the POST /intercept/{requestId}/headers body.
type HeadersRequest struct {
	Headers modify.Headers `json:"headers"`
}

// HeadersResponse returns the header list after modification.
type HeadersResponse struct {
	Headers modify.Headers `json:"headers"`
}

// CompletedRequest is the POST /intercept/{requestId}/completed body.
type CompletedRequest struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
}

// ResponseHeadersRequest is the POST /intercept/{requestId}/response-headers body.
type ResponseHeadersRequest struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// ErrorRequest is the POST /intercept/{requestId}/error body.
type ErrorRequest struct {
	Message string `json:"message"`
}

func (a *API) handleInterceptRequest(w http.ResponseWriter, r *http.Request) {
	var d intercept.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	if d.RequestID == "" || d.URL == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "requestId and url are required")
		return
	}

	decision, err := a.proc.OnBeforeRequest(r.Context(), &d)
	if err != nil {
		// Context cancellation mid-delay: the caller went away.
		a.log.Debug("intercept aborted", "requestId", d.RequestID, "error", err)
		writeError(w, http.StatusRequestTimeout, "aborted", "request aborted during delay")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleInterceptHeaders(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	var req HeadersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	headers := a.proc.OnBeforeSendHeaders(r.Context(), requestID, req.Headers)
	writeJSON(w, http.StatusOK, HeadersResponse{Headers: headers})
}

func (a *API) handleInterceptResponseHeaders(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	var req ResponseHeadersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	a.proc.OnHeadersReceived(r.Context(), requestID, req.Status, req.Headers)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInterceptCompleted(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	var req CompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	a.proc.OnCompleted(r.Context(), requestID, req.Status, req.Headers, req.Body)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInterceptError(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	var req ErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON in request body")
		return
	}
	a.proc.OnError(r.Context(), requestID, req.Message)
	w.WriteHeader(http.StatusNoContent)
}
