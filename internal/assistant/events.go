// Package assistant supervises the external coding assistant subprocess
// and turns its NDJSON event stream into persisted interactions.
package assistant

import "encoding/json"

// Event types emitted by the assistant on stdout, one JSON record per line.
const (
	EventTypeSystem     = "system"
	EventTypeAssistant  = "assistant"
	EventTypeUser       = "user"
	EventTypeToolUse    = "tool_use"
	EventTypeToolResult = "tool_result"
	EventTypeResult     = "result"

	SubtypeInit = "init"
)

// Event is one parsed NDJSON record. Unknown fields are tolerated and
// unknown types ignored; the zero value of every field is meaningful.
type Event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Flat fields, present on simple records.
	Text       string          `json:"text,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`

	// Message carries structured content blocks on assistant/user records.
	Message *Message `json:"message,omitempty"`

	// Final-tally fields, present on result records.
	Usage      *Usage  `json:"usage,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	Result     string  `json:"result,omitempty"`
}

// Message is the content envelope of assistant and user records.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Usage is the token accounting block on assistant and result records.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Add accumulates another usage block.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// ParseEvent decodes one NDJSON line. Records of unknown type decode
// fine and are filtered by the caller.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// CostValue returns the record's cost, accepting both field spellings.
func (e *Event) CostValue() float64 {
	if e.CostUSD != 0 {
		return e.CostUSD
	}
	return e.Cost
}

// TextContent concatenates the text blocks of the record, falling back
// to the flat text field.
func (e *Event) TextContent() string {
	if e.Message == nil {
		return e.Text
	}
	var out string
	for _, block := range e.Message.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return e.Text
	}
	return out
}
