// File: internal/agent/loop_test.go
package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/troupehq/troupe/internal/capability"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedClient replays a fixed sequence of responses and records every
// request it sees.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*ModelResponse
	err       error
	requests  []ModelRequest
	onCall    func(turn int)
}

func (c *scriptedClient) Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.onCall != nil {
		c.onCall(len(c.requests))
	}
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &ModelResponse{Stop: StopEndOfTurn}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func newTestRunner(t *testing.T, client ModelClient, mutate func(*config.AgentConfig)) (*Runner, *capability.Registry, *events.Bus) {
	t.Helper()
	cfg := config.NewDefaultConfig().Agent
	if mutate != nil {
		mutate(&cfg)
	}
	bus := events.NewBus(zap.NewNop(), 0)
	t.Cleanup(bus.Close)

	registry := capability.NewRegistry(zap.NewNop())
	return NewRunner(zap.NewNop(), cfg, client, registry, bus), registry, bus
}

func registerEcho(t *testing.T, registry *capability.Registry) *int {
	t.Helper()
	calls := new(int)
	require.NoError(t, registry.Register(capability.Definition{
		Name:        "echo",
		Description: "Echoes its input back.",
		Input:       capability.Object(map[string]*capability.Schema{"text": capability.String()}),
		Handler: func(ctx context.Context, args map[string]interface{}) (*capability.Result, error) {
			*calls++
			text, _ := args["text"].(string)
			return capability.TextResult("%s", text), nil
		},
	}))
	return calls
}

func TestRunRejectsEmptyGoal(t *testing.T) {
	r, _, _ := newTestRunner(t, &scriptedClient{}, nil)
	_, err := r.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyGoal)
}

func TestRunCompletesWhenModelStops(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		{Thinking: []string{"nothing left to do"}, Stop: StopEndOfTurn},
	}}
	r, _, _ := newTestRunner(t, client, nil)

	result, err := r.Run(context.Background(), "smoke test the login page")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.TurnsUsed)
	assert.False(t, result.Truncated())
	assert.NotEmpty(t, result.RunID)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestRunDispatchesToolCallsAndFoldsResults(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		{
			Thinking:  []string{"I will echo first"},
			ToolCalls: []ToolCallRequest{{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "hello"}}},
			Stop:      StopToolUse,
		},
		{Thinking: []string{"done"}, Stop: StopEndOfTurn},
	}}
	r, registry, _ := newTestRunner(t, client, nil)
	calls := registerEcho(t, registry)

	result, err := r.Run(context.Background(), "exercise the echo tool")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.TurnsUsed)
	assert.Equal(t, 1, *calls)

	// The second request must carry: goal, thinking, the tool-call message,
	// and one combined tool-result message.
	require.Len(t, client.requests, 2)
	history := client.requests[1].History
	require.Len(t, history, 4)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, "I will echo first", history[1].Text)
	assert.Equal(t, RoleAssistant, history[2].Role)
	require.Len(t, history[2].ToolCalls, 1)
	assert.Equal(t, RoleTool, history[3].Role)
	require.Len(t, history[3].ToolResults, 1)
	outcome := history[3].ToolResults[0]
	assert.Equal(t, "c1", outcome.CallID)
	assert.False(t, outcome.Result.IsError)

	// Descriptors travel with every request.
	require.Len(t, client.requests[0].Tools, 1)
	assert.Equal(t, "echo", client.requests[0].Tools[0].Name)

	// The transcript survives on the result: the four messages above plus the
	// closing thinking segment.
	require.Len(t, result.Transcript, 5)
	assert.Equal(t, RoleUser, result.Transcript[0].Role)
	assert.Equal(t, "done", result.FinalText())
}

func TestRunUnknownToolBecomesErrorOutcome(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		{
			ToolCalls: []ToolCallRequest{{ID: "c1", Name: "no_such_tool"}},
			Stop:      StopToolUse,
		},
		{Stop: StopEndOfTurn},
	}}
	r, _, _ := newTestRunner(t, client, nil)

	result, err := r.Run(context.Background(), "call a missing tool")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	history := client.requests[1].History
	outcome := history[len(history)-1].ToolResults[0]
	assert.True(t, outcome.Result.IsError)
}

func TestRunModelErrorAborts(t *testing.T) {
	client := &scriptedClient{err: errors.New("model unavailable")}
	r, _, _ := newTestRunner(t, client, nil)

	result, err := r.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, result.Status)
	assert.Contains(t, result.Error, "model unavailable")
	assert.Equal(t, 1, result.TurnsUsed)

	// A failed run never sticks in Running.
	assert.False(t, r.Running())
	client.err = nil
	result, err = r.Run(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestRunTurnCeilingTruncates(t *testing.T) {
	// Every turn requests another tool call; the loop must stop at the
	// ceiling and report completion with all turns used.
	client := &scriptedClient{}
	client.onCall = func(int) {
		client.responses = append(client.responses, &ModelResponse{
			ToolCalls: []ToolCallRequest{{ID: "c", Name: "echo", Args: map[string]interface{}{"text": "x"}}},
			Stop:      StopToolUse,
		})
	}
	r, registry, _ := newTestRunner(t, client, func(cfg *config.AgentConfig) { cfg.MaxTurns = 3 })
	registerEcho(t, registry)

	result, err := r.Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.TurnsUsed)
	assert.True(t, result.Truncated())
}

func TestRunSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &scriptedClient{}
	client.onCall = func(turn int) {
		if turn == 1 {
			close(started)
			<-release
		}
	}
	r, _, _ := newTestRunner(t, client, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Run(context.Background(), "long run")
		assert.NoError(t, err)
	}()

	<-started
	_, err := r.Run(context.Background(), "second run")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	<-done
}

func TestRunCancelledDuringFirstModelCall(t *testing.T) {
	// Cancelling while the first model call is still in flight must resolve
	// the run as cancelled after exactly one started turn, with the requested
	// tool call never dispatched.
	client := &scriptedClient{responses: []*ModelResponse{
		{
			ToolCalls: []ToolCallRequest{{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "x"}}},
			Stop:      StopToolUse,
		},
	}}
	r, registry, _ := newTestRunner(t, client, nil)
	calls := registerEcho(t, registry)
	client.onCall = func(turn int) {
		if turn == 1 {
			r.Cancel()
		}
	}

	result, err := r.Run(context.Background(), "cancel immediately")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, 1, result.TurnsUsed)
	assert.Equal(t, 0, *calls)
}

func TestRunCancelledBetweenTurns(t *testing.T) {
	client := &scriptedClient{}
	r, registry, _ := newTestRunner(t, client, nil)
	registerEcho(t, registry)
	client.onCall = func(turn int) {
		client.responses = append(client.responses, &ModelResponse{
			ToolCalls: []ToolCallRequest{{ID: "c", Name: "echo", Args: map[string]interface{}{"text": "x"}}},
			Stop:      StopToolUse,
		})
		if turn == 2 {
			r.Cancel()
		}
	}

	result, err := r.Run(context.Background(), "cancel me")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.LessOrEqual(t, result.TurnsUsed, 3)
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		{
			Thinking:  []string{"thinking out loud"},
			ToolCalls: []ToolCallRequest{{ID: "c1", Name: "echo", Args: map[string]interface{}{"text": "x"}}},
			Stop:      StopToolUse,
		},
		{Stop: StopEndOfTurn},
	}}
	r, registry, bus := newTestRunner(t, client, nil)
	registerEcho(t, registry)
	ch, cancel := bus.Subscribe()
	defer cancel()

	_, err := r.Run(context.Background(), "emit events")
	require.NoError(t, err)

	seen := map[events.Type]int{}
	deadline := time.After(time.Second)
	for len(seen) < 6 {
		select {
		case ev := <-ch:
			seen[ev.Type]++
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	assert.Equal(t, 1, seen[events.AgentStart])
	assert.Equal(t, 2, seen[events.AgentTurn])
	assert.Equal(t, 1, seen[events.AgentThinking])
	assert.Equal(t, 1, seen[events.AgentToolCall])
	assert.Equal(t, 1, seen[events.AgentToolResult])
	assert.Equal(t, 1, seen[events.AgentComplete])
}
