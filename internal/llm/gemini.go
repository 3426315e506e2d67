// File: internal/llm/gemini.go

// Package llm adapts the Gemini API (google.golang.org/genai) to the control
// loop's provider-neutral ModelClient interface.
package llm

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/troupehq/troupe/internal/agent"
	"github.com/troupehq/troupe/internal/config"
)

// GeminiClient implements agent.ModelClient against the Gemini API, with a
// process-wide rate limit on outbound calls.
type GeminiClient struct {
	logger  *zap.Logger
	cfg     config.AgentConfig
	client  *genai.Client
	limiter *rate.Limiter
}

var _ agent.ModelClient = (*GeminiClient)(nil)

// NewGeminiClient reads the API key from the configured environment variable
// and dials the Gemini API.
func NewGeminiClient(ctx context.Context, logger *zap.Logger, cfg config.AgentConfig) (*GeminiClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("model API key environment variable %s is unset", cfg.APIKeyEnv)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &GeminiClient{
		logger:  logger.Named("gemini"),
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}, nil
}

// Generate runs one inference call: history and tool surface out, thinking
// segments and tool-call requests back.
func (c *GeminiClient) Generate(ctx context.Context, req agent.ModelRequest) (*agent.ModelResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	callCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if decls := declarationsFromDescriptors(req.Tools); len(decls) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := contentsFromHistory(req.History)

	c.logger.Debug("Calling model",
		zap.String("model", c.cfg.Model),
		zap.Int("history_len", len(req.History)),
		zap.Int("tools", len(req.Tools)))

	resp, err := c.client.Models.GenerateContent(callCtx, c.cfg.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	return decodeResponse(resp)
}

// decodeResponse flattens the first candidate into the loop's neutral shape.
func decodeResponse(resp *genai.GenerateContentResponse) (*agent.ModelResponse, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("model returned no candidates")
	}
	candidate := resp.Candidates[0]

	out := &agent.ModelResponse{Stop: agent.StopUnknown}
	for i, part := range candidate.Content.Parts {
		if part.Text != "" {
			out.Thinking = append(out.Thinking, part.Text)
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call-%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, agent.ToolCallRequest{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}

	switch candidate.FinishReason {
	case genai.FinishReasonStop:
		if len(out.ToolCalls) > 0 {
			out.Stop = agent.StopToolUse
		} else {
			out.Stop = agent.StopEndOfTurn
		}
	case genai.FinishReasonMaxTokens:
		out.Stop = agent.StopMaxTokens
	default:
		if len(out.ToolCalls) > 0 {
			out.Stop = agent.StopToolUse
		}
	}
	return out, nil
}
