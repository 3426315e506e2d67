// File: internal/llm/convert.go
package llm

import (
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/troupehq/troupe/internal/agent"
	"github.com/troupehq/troupe/internal/capability"
)

// declarationsFromDescriptors renders the capability surface as Gemini
// function declarations.
func declarationsFromDescriptors(tools []capability.ToolDescriptor) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaFromDescriptor(map[string]interface{}(tool.InputSchema)),
		})
	}
	return decls
}

// asMap unwraps a descriptor node; nested nodes surface either as plain maps
// or as the capability package's named Descriptor type.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case capability.Descriptor:
		return m, true
	default:
		return nil, false
	}
}

// schemaFromDescriptor maps the generic structural descriptor onto
// genai.Schema. An empty descriptor becomes a permissive empty object.
func schemaFromDescriptor(desc map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{}

	if anyOf, ok := desc["anyOf"].([]interface{}); ok {
		for _, variant := range anyOf {
			if vm, ok := asMap(variant); ok {
				if vm["type"] == "null" {
					schema.Nullable = genai.Ptr(true)
					continue
				}
				schema.AnyOf = append(schema.AnyOf, schemaFromDescriptor(vm))
			}
		}
		// A nullable wrapper around a single variant collapses into it.
		if len(schema.AnyOf) == 1 && schema.Nullable != nil {
			inner := schema.AnyOf[0]
			inner.Nullable = schema.Nullable
			inner.Description = stringField(desc, "description")
			return inner
		}
	}

	if description := stringField(desc, "description"); description != "" {
		schema.Description = description
	}

	switch desc["type"] {
	case "object":
		schema.Type = genai.TypeObject
		if props, ok := asMap(desc["properties"]); ok {
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				if pm, ok := asMap(raw); ok {
					schema.Properties[name] = schemaFromDescriptor(pm)
				}
			}
		}
		if required, ok := desc["required"].([]string); ok {
			schema.Required = required
		} else if rawRequired, ok := desc["required"].([]interface{}); ok {
			for _, name := range rawRequired {
				if s, ok := name.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		// Record-style maps have no fixed properties; Gemini accepts a bare
		// object schema for them.
	case "string":
		schema.Type = genai.TypeString
		if format := stringField(desc, "format"); format != "" {
			schema.Format = format
		}
		if enum, ok := desc["enum"].([]string); ok {
			schema.Enum = enum
		} else if rawEnum, ok := desc["enum"].([]interface{}); ok {
			for _, v := range rawEnum {
				schema.Enum = append(schema.Enum, fmt.Sprintf("%v", v))
			}
		}
		if constVal, ok := desc["const"]; ok {
			schema.Enum = []string{fmt.Sprintf("%v", constVal)}
		}
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if items, ok := asMap(desc["items"]); ok {
			schema.Items = schemaFromDescriptor(items)
		}
	}

	return schema
}

func stringField(desc map[string]interface{}, key string) string {
	if s, ok := desc[key].(string); ok {
		return s
	}
	return ""
}

// contentsFromHistory translates the loop's neutral history into Gemini
// contents: assistant turns become model-role contents, tool outcomes become
// user-role function responses with text passed through and binary content
// inlined base64.
func contentsFromHistory(history []agent.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case agent.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleUser))
		case agent.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				parts := make([]*genai.Part, 0, len(msg.ToolCalls))
				for _, call := range msg.ToolCalls {
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: call.Args,
					}})
				}
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			} else {
				contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleModel))
			}
		case agent.RoleTool:
			parts := make([]*genai.Part, 0, len(msg.ToolResults))
			for _, outcome := range msg.ToolResults {
				parts = append(parts, outcomeParts(outcome)...)
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}
	return contents
}

// outcomeParts renders one tool outcome: a function response carrying the
// joined text (or error), followed by inline blobs for any image content.
func outcomeParts(outcome agent.ToolOutcome) []*genai.Part {
	var texts []string
	var blobs []*genai.Part
	if outcome.Result != nil {
		for _, content := range outcome.Result.Content {
			switch content.Type {
			case capability.ContentText:
				texts = append(texts, content.Text)
			case capability.ContentImage:
				blobs = append(blobs, &genai.Part{InlineData: &genai.Blob{
					MIMEType: content.MimeType,
					Data:     content.Data,
				}})
				texts = append(texts, fmt.Sprintf("[inline %s, %d bytes base64]",
					content.MimeType, base64.StdEncoding.EncodedLen(len(content.Data))))
			}
		}
	}

	response := map[string]interface{}{"output": strings.Join(texts, "\n")}
	if outcome.Result != nil && outcome.Result.IsError {
		response = map[string]interface{}{"error": strings.Join(texts, "\n")}
	}

	parts := []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
		ID:       outcome.CallID,
		Name:     outcome.Name,
		Response: response,
	}}}
	return append(parts, blobs...)
}
