package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getreqmod/reqmod/pkg/engine"
	"github.com/getreqmod/reqmod/pkg/kvstore"
	"github.com/getreqmod/reqmod/pkg/modify"
	"github.com/getreqmod/reqmod/pkg/requestlog"
)

func newTestAPI(t *testing.T) (*API, *httptest.Server) {
	t.Helper()
	store := kvstore.NewMemory(kvstore.Options{})
	a := New(engine.New(store), requestlog.New(store), store, modify.NewEngine())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func doJSON(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const blockRuleJSON = `{
	"name": "block ads",
	"enabled": true,
	"urlPattern": "*://ads.example.com/*",
	"matchType": "glob",
	"priority": 5,
	"actions": [{"type": "block"}]
}`

func TestHealth(t *testing.T) {
	_, srv := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
}

func TestRuleCRUD(t *testing.T) {
	_, srv := newTestAPI(t)

	// Create.
	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	// Read.
	resp, err := http.Get(srv.URL + "/rules/" + id)
	require.NoError(t, err)
	got := decode[map[string]any](t, resp)
	assert.Equal(t, "block ads", got["name"])

	// Update.
	updated := strings.Replace(blockRuleJSON, "block ads", "block trackers", 1)
	resp = doJSON(t, http.MethodPut, srv.URL+"/rules/"+id, updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[map[string]any](t, resp)
	assert.Equal(t, "block trackers", got["name"])

	// List.
	resp, err = http.Get(srv.URL + "/rules")
	require.NoError(t, err)
	list := decode[RuleListResponse](t, resp)
	assert.Equal(t, 1, list.Count)

	// Delete.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/rules/"+id, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/rules/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCreateRuleValidationErrors(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules",
		`{"name":"","urlPattern":"","matchType":"glob","actions":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "validation_error", body.Error)
	// Every violation is reported, not just the first.
	assert.Contains(t, body.Message, "name")
	assert.Contains(t, body.Message, "urlPattern")
	assert.Contains(t, body.Message, "actions")
}

func TestToggleRule(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)

	resp = doJSON(t, http.MethodPost, srv.URL+"/rules/"+id+"/toggle", `{"enabled":false}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := http.Get(srv.URL + "/rules/" + id)
	require.NoError(t, err)
	got := decode[map[string]any](t, resp)
	assert.Equal(t, false, got["enabled"])
}

func TestToggleRuleNotFound(t *testing.T) {
	_, srv := newTestAPI(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/rules/rule_missing/toggle", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExportImport(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := http.Get(srv.URL + "/rules/export?format=json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exported := new(bytes.Buffer)
	_, err = exported.ReadFrom(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	// Import into a fresh server.
	_, srv2 := newTestAPI(t)
	resp = doJSON(t, http.MethodPost, srv2.URL+"/rules/import?mode=replace", exported.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	imported := decode[ImportResponse](t, resp)
	assert.Equal(t, 1, imported.Imported)
}

func TestImportRejectsInvalidBatch(t *testing.T) {
	_, srv := newTestAPI(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/rules/import?mode=replace",
		`{"rules":[{"name":"","urlPattern":"*","matchType":"glob","actions":[{"type":"block"}]}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestEvaluate(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/evaluate",
		`{"url":"https://ads.example.com/banner.js","method":"GET"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eval := decode[EvaluateResponse](t, resp)
	require.Len(t, eval.Matched, 1)
	require.NotNil(t, eval.Effect)
	assert.True(t, eval.Effect.Block)

	resp = doJSON(t, http.MethodPost, srv.URL+"/evaluate",
		`{"url":"https://example.com/","method":"GET"}`)
	eval = decode[EvaluateResponse](t, resp)
	assert.Empty(t, eval.Matched)
	assert.Nil(t, eval.Effect)
}

func TestDeclarativeEndpoint(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := http.Get(srv.URL + "/rules/declarative")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	rules, ok := body["rules"].([]any)
	require.True(t, ok)
	assert.Len(t, rules, 1)
}

func TestRequestsEndpoints(t *testing.T) {
	a, srv := newTestAPI(t)
	ctx := context.Background()

	for i, url := range []string{"https://example.com/a", "https://example.com/b"} {
		_, err := a.logs.LogRequest(ctx, &requestlog.Entry{URL: url, Method: "GET", TabID: i})
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/requests")
	require.NoError(t, err)
	list := decode[RequestListResponse](t, resp)
	require.Equal(t, 2, list.Count)
	// Newest first.
	assert.Equal(t, "https://example.com/b", list.Requests[0].URL)

	resp, err = http.Get(srv.URL + "/requests/" + list.Requests[0].ID)
	require.NoError(t, err)
	entry := decode[requestlog.Entry](t, resp)
	assert.Equal(t, "https://example.com/b", entry.URL)

	resp, err = http.Get(srv.URL + "/requests?tabId=0")
	require.NoError(t, err)
	list = decode[RequestListResponse](t, resp)
	assert.Equal(t, 1, list.Count)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/requests", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/requests")
	require.NoError(t, err)
	list = decode[RequestListResponse](t, resp)
	assert.Equal(t, 0, list.Count)
}

func TestStorageEndpoints(t *testing.T) {
	a, srv := newTestAPI(t)
	ctx := context.Background()
	_, err := a.logs.LogRequest(ctx, &requestlog.Entry{URL: "https://example.com/", Method: "GET"})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/storage")
	require.NoError(t, err)
	info := decode[kvstore.Info](t, resp)
	assert.Greater(t, info.BytesInUse, int64(0))
	assert.Greater(t, info.Quota, int64(0))

	resp = doJSON(t, http.MethodPost, srv.URL+"/storage/clean", `{"retentionDays":7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleaned := decode[CleanResponse](t, resp)
	assert.Equal(t, 0, cleaned.Removed)
}

func TestStatus(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	status := decode[StatusResponse](t, resp)
	assert.Equal(t, 1, status.RuleCount)
	assert.Equal(t, 1, status.ActiveRules)
}

func TestInterceptLifecycle(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// Blocked request.
	resp = doJSON(t, http.MethodPost, srv.URL+"/intercept/request",
		`{"requestId":"req-1","url":"https://ads.example.com/banner.js","method":"GET"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision := decode[map[string]any](t, resp)
	assert.Equal(t, true, decision["cancel"])

	// Ordinary request completes and lands in the log.
	resp = doJSON(t, http.MethodPost, srv.URL+"/intercept/request",
		`{"requestId":"req-2","url":"https://example.com/page","method":"GET"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/intercept/req-2/completed",
		`{"status":200,"body":"<html>"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := http.Get(srv.URL + "/requests")
	require.NoError(t, err)
	list := decode[RequestListResponse](t, resp)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, 200, list.Requests[0].ResponseStatus)
}

func TestWebsocketBroadcast(t *testing.T) {
	_, srv := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Give the hub a moment to register the client.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/status")
		if err != nil {
			return false
		}
		return decode[StatusResponse](t, resp).Observers == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rules", blockRuleJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "rule.created", event.Type)
}
