// File: internal/capability/registry.go
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ContentType tags a single piece of tool output.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// Content is one element of a tool result. Text content carries Text; image
// content carries raw bytes plus a MIME type and is base64-inlined when handed
// to a model.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// Result is the uniform outcome of a tool call. Errors are represented in-band
// via IsError; a Result is returned even for unknown tools, validation
// failures, and handler panics, so callers never need exception handling
// around a call.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult builds a plain text success result.
func TextResult(format string, args ...interface{}) *Result {
	return &Result{Content: []Content{{Type: ContentText, Text: fmt.Sprintf(format, args...)}}}
}

// ErrorResult builds an in-band error result.
func ErrorResult(format string, args ...interface{}) *Result {
	r := TextResult(format, args...)
	r.IsError = true
	return r
}

// ImageContent builds an image content element.
func ImageContent(data []byte, mimeType string) Content {
	return Content{Type: ContentImage, Data: data, MimeType: mimeType}
}

// Handler executes a tool with already-validated input. Returning an error is
// equivalent to returning an error Result; the registry normalizes both.
type Handler func(ctx context.Context, input map[string]interface{}) (*Result, error)

// Definition couples a capability's name with its description, input schema
// and handler.
type Definition struct {
	Name        string
	Description string
	Input       *Schema
	Handler     Handler
}

// ToolDescriptor is the dual-format bridge output: one registered capability
// rendered as a generic structural descriptor for model consumption.
type ToolDescriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	InputSchema Descriptor `json:"inputSchema"`
}

// Registry is the single source of truth mapping capability names to their
// definitions. It serves synchronous protocol callers and the autonomous loop
// through the same Call path.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	tools  map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("capability_registry"),
		tools:  make(map[string]Definition),
	}
}

// Register adds a capability. Duplicate names are rejected rather than
// silently overwritten, so a wiring bug surfaces at startup instead of
// shadowing a tool at call time.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("capability name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("capability %q has no handler", def.Name)
	}
	if def.Input == nil {
		def.Input = Any()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("capability %q already registered", def.Name)
	}
	r.tools[def.Name] = def
	r.logger.Debug("Capability registered", zap.String("name", def.Name))
	return nil
}

// MustRegister panics on registration failure. For static wiring at startup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a capability by name with raw JSON-decoded input. Unknown
// names, validation failures, handler errors, and handler panics all come back
// as error Results; Call itself never returns a Go error to the caller.
func (r *Registry) Call(ctx context.Context, name string, rawInput map[string]interface{}) (result *Result) {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult("unknown tool %q", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool handler panicked",
				zap.String("tool", name),
				zap.Any("panic_value", rec),
				zap.Stack("stack"))
			result = ErrorResult("tool %q panicked: %v", name, rec)
		}
	}()

	if rawInput == nil {
		rawInput = map[string]interface{}{}
	}
	validated, err := def.Input.Validate(rawInput)
	if err != nil {
		return ErrorResult("invalid input for tool %q: %v", name, err)
	}

	input, _ := validated.(map[string]interface{})
	res, err := def.Handler(ctx, input)
	if err != nil {
		return ErrorResult("tool %q failed: %v", name, err)
	}
	if res == nil {
		return TextResult("")
	}
	return res
}

// Descriptors converts every registered schema into its structural descriptor,
// sorted by name for deterministic model prompts.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, ToolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Input.Convert(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
