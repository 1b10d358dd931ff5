package models

import "encoding/json"

// AgentAction names a request understood by the in-page automation agent
type AgentAction string

const (
	AgentActionPing            AgentAction = "PING"
	AgentActionCheckForForm    AgentAction = "CHECK_FOR_FORM"
	AgentActionFindContactPage AgentAction = "FIND_CONTACT_PAGE"
	AgentActionFillAndSubmit   AgentAction = "FILL_AND_SUBMIT_FORM"
)

// AgentRequest is one structured message sent into a tab
type AgentRequest struct {
	Action  AgentAction     `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AgentResponse is the union of all agent replies. Only the fields relevant to the
// request's action are populated.
type AgentResponse struct {
	// PING
	Ready bool `json:"ready,omitempty"`

	// CHECK_FOR_FORM
	HasForm   bool                   `json:"hasForm,omitempty"`
	DebugInfo map[string]interface{} `json:"debugInfo,omitempty"`

	// FIND_CONTACT_PAGE
	Candidates []string `json:"candidates,omitempty"`

	// FILL_AND_SUBMIT_FORM
	Success     bool   `json:"success,omitempty"`
	FinalURL    string `json:"finalUrl,omitempty"`
	Error       string `json:"error,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`

	// Set by the orchestrator, never by the agent
	CommunicationFailure bool `json:"communicationFailure,omitempty"`
	Synthesized          bool `json:"synthesized,omitempty"`
}

// InputCount returns the debug counter of input fields reported by CHECK_FOR_FORM, or -1
func (r *AgentResponse) InputCount() int {
	if r == nil || r.DebugInfo == nil {
		return -1
	}
	switch v := r.DebugInfo["inputCount"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return -1
}
