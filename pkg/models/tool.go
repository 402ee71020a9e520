package models

// ToolDescriptor describes one tool a page (or the broker) exposes
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Discovery is a snapshot of the tools a page currently declares
type Discovery struct {
	HasDeclaredTools bool             `json:"hasWebMCP"`
	Tools            []ToolDescriptor `json:"tools"`
	ServerInfo       map[string]any   `json:"serverInfo,omitempty"`
}

// Find returns the declared tool with the exact given name.
func (d *Discovery) Find(name string) (ToolDescriptor, bool) {
	if d == nil {
		return ToolDescriptor{}, false
	}
	for _, t := range d.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// Names returns the declared tool names in page order.
func (d *Discovery) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		names = append(names, t.Name)
	}
	return names
}

// DiscoverRequest is the payload for POST /discover
type DiscoverRequest struct {
	URL             string `json:"url"`
	WaitForSelector string `json:"waitForSelector,omitempty"`
	Timeout         int    `json:"timeout,omitempty"`
}

// DiscoverResponse is the stateless discovery result
type DiscoverResponse struct {
	URL            string           `json:"url"`
	Title          string           `json:"title"`
	HasWebMCP      bool             `json:"hasWebMCP"`
	ToolCount      int              `json:"toolCount"`
	Tools          []ToolDescriptor `json:"tools"`
	ServerInfo     map[string]any   `json:"serverInfo,omitempty"`
	ScanDurationMs int64            `json:"scanDurationMs"`
}

// ToolsResponse is the discovery snapshot of a session page
type ToolsResponse struct {
	SessionID  string           `json:"sessionId"`
	URL        string           `json:"url"`
	HasWebMCP  bool             `json:"hasWebMCP"`
	ToolCount  int              `json:"toolCount"`
	Tools      []ToolDescriptor `json:"tools"`
	ServerInfo map[string]any   `json:"serverInfo,omitempty"`
}

// CallToolRequest is the payload for POST /sessions/{id}/tools/{toolName}/call
type CallToolRequest struct {
	Input   map[string]any `json:"input"`
	Timeout int            `json:"timeout,omitempty"`
}

// ExecuteRequest is the payload for the stateless POST /execute
type ExecuteRequest struct {
	URL             string         `json:"url"`
	ToolName        string         `json:"toolName"`
	Input           map[string]any `json:"input"`
	WaitForSelector string         `json:"waitForSelector,omitempty"`
	Timeout         int            `json:"timeout,omitempty"`
}

// Outcome classifies how an execution attempt ended
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeNotFound Outcome = "not_found"
)

// ToolSource names where a tool was resolved
type ToolSource string

const (
	SourceDeclared   ToolSource = "declared"
	SourceAutomation ToolSource = "automation"
)

// ExecutionResult is the normalized envelope of one tool execution
type ExecutionResult struct {
	ToolName        string     `json:"toolName"`
	Success         bool       `json:"success"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Outcome         Outcome    `json:"outcome"`
	Source          ToolSource `json:"source,omitempty"`
	ExecutionTimeMs int64      `json:"executionTimeMs"`
	PageChanged     bool       `json:"pageChanged"`
	NewURL          string     `json:"newUrl,omitempty"`
	AvailableTools  []string   `json:"availableTools,omitempty"`
}
