// Package requestlog captures request/response cycles for user
// inspection and persists them through the quota-aware storage layer.
//
// Entries are created when a request begins and updated once when the
// response or an error arrives. They are never deleted individually;
// only bulk eviction by retention or quota policy removes them.
package requestlog

// Timing holds the capture timestamps of one request/response cycle,
// in epoch milliseconds. StartTime is set once at creation and never
// overwritten; EndTime and Duration arrive with the response merge.
type Timing struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime,omitempty"`
	Duration  int64 `json:"duration,omitempty"`
}

// Entry captures one request/response cycle.
type Entry struct {
	// ID is a unique identifier for the log entry. Assigned on log.
	ID string `json:"id"`

	// TabID and FrameID scope the entry to its originating context.
	TabID   int `json:"tabId"`
	FrameID int `json:"frameId,omitempty"`

	URL    string `json:"url"`
	Method string `json:"method"`

	// ResourceType classifies the request (document, xhr, script, ...).
	ResourceType string `json:"resourceType,omitempty"`

	RequestHeaders map[string][]string `json:"requestHeaders,omitempty"`
	RequestBody    string              `json:"requestBody,omitempty"`

	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    string              `json:"responseBody,omitempty"`

	Timing Timing `json:"timing"`

	// Modified indicates that at least one rule altered the request
	// or response.
	Modified bool `json:"modified"`

	// AppliedRuleIDs lists the rules that matched this request.
	AppliedRuleIDs []string `json:"appliedRuleIds,omitempty"`

	// Error contains the failure message if the request did not complete.
	Error string `json:"error,omitempty"`
}

// ResponseUpdate carries the fields merged into an entry when its
// response or error arrives.
type ResponseUpdate struct {
	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    string              `json:"responseBody,omitempty"`
	EndTime         int64               `json:"endTime,omitempty"`
	Modified        *bool               `json:"modified,omitempty"`
	AppliedRuleIDs  []string            `json:"appliedRuleIds,omitempty"`
	Error           string              `json:"error,omitempty"`
}
