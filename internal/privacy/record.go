package privacy

import "encoding/json"

// These types mirror the shape of a single line of a Claude Code session
// transcript closely enough to project it, and no further: every field that
// could carry prohibited content (message text, tool inputs, results) stays
// as json.RawMessage or a narrowly-typed struct so the filter can reach in
// for exactly the allowed sub-fields and nothing else. Adapted from the
// teacher's monitor/jsonl.go jsonlEntry/messageContent/contentBlock shapes,
// which parse the same family of records for token/tool-call accounting
// instead of for privacy projection.
type rawRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	HookEvent string          `json:"hookEvent,omitempty"`
	Summary   string          `json:"summary,omitempty"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// toolInput carries only the input fields the filter is allowed to look at.
// Command is included solely so it is never accidentally picked up by a
// catch-all: it is declared, parsed, and never read by any caller.
type toolInput struct {
	FilePath     string `json:"file_path,omitempty"`
	Path         string `json:"path,omitempty"`
	NotebookPath string `json:"notebook_path,omitempty"`
	Description  string `json:"description,omitempty"`
	Command      string `json:"command,omitempty"` // never propagated; see contextFor
}
