// File: internal/agent/models.go
package agent

import (
	"context"
	"time"

	"github.com/troupehq/troupe/internal/capability"
)

// Role identifies who produced a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is one function invocation requested by the model.
type ToolCallRequest struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolOutcome pairs a dispatched call with its normalized result.
type ToolOutcome struct {
	CallID string             `json:"callId"`
	Name   string             `json:"name"`
	Result *capability.Result `json:"result"`
}

// Message is one entry in the conversation history. Exactly one of Text,
// ToolCalls, or ToolResults is populated depending on the role: assistant
// messages carry text or tool calls, tool messages carry the combined results
// of one turn's dispatches.
type Message struct {
	Role        Role              `json:"role"`
	Text        string            `json:"text,omitempty"`
	ToolCalls   []ToolCallRequest `json:"toolCalls,omitempty"`
	ToolResults []ToolOutcome     `json:"toolResults,omitempty"`
}

// StopReason is the model's declared reason for ending its response.
type StopReason string

const (
	StopEndOfTurn StopReason = "end_of_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopUnknown   StopReason = "unknown"
)

// ModelRequest is one inference call: the full history, the declared
// capability surface, and the standing system prompt.
type ModelRequest struct {
	SystemPrompt string
	History      []Message
	Tools        []capability.ToolDescriptor
}

// ModelResponse is the provider-neutral decoding of one model reply.
type ModelResponse struct {
	// Thinking holds the free-text segments in order of appearance.
	Thinking  []string
	ToolCalls []ToolCallRequest
	Stop      StopReason
}

// ModelClient abstracts the LLM provider. The genai-backed implementation
// lives in internal/llm.
type ModelClient interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// RunResult is what a finished run leaves behind; the runner's internal
// per-run state is discarded when the run ends, so the transcript here is the
// only surviving record of the conversation.
type RunResult struct {
	RunID      string    `json:"runId"`
	Goal       string    `json:"goal"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	TurnsUsed  int       `json:"turnsUsed"`
	MaxTurns   int       `json:"maxTurns"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	// Transcript is the ordered conversation history as it stood when the run
	// ended: goal, thinking, tool calls, and combined tool results per turn.
	Transcript []Message `json:"transcript,omitempty"`
}

// FinalText returns the last assistant free-text message of the transcript,
// or the empty string when the model never produced one.
func (r *RunResult) FinalText() string {
	for i := len(r.Transcript) - 1; i >= 0; i-- {
		if r.Transcript[i].Role == RoleAssistant && r.Transcript[i].Text != "" {
			return r.Transcript[i].Text
		}
	}
	return ""
}

// Truncated reports whether the run stopped by exhausting the turn ceiling
// rather than by the model declaring completion.
func (r *RunResult) Truncated() bool {
	return r.Status == StatusCompleted && r.TurnsUsed >= r.MaxTurns
}
