package strand

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is a server-side tool handler. One handler may serve several tool
// names (a prefix family like todo_add/todo_list shares a handler).
type Tool interface {
	// Definitions lists the tool schemas this handler serves.
	Definitions() []ToolDefinition

	// Execute runs one tool call. Implementations catch their own failures
	// and return them in ToolResult.Error; a non-nil error here means the
	// handler itself is broken, not that the tool's work failed.
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

var toolNameStrip = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeToolName removes every character outside [A-Za-z0-9_-].
func SanitizeToolName(name string) string {
	return toolNameStrip.ReplaceAllString(name, "")
}

// Registry holds the process-wide server tool handlers and builds the
// per-conversation effective tool set.
type Registry struct {
	log   *slog.Logger
	tools []Tool
}

type RegistryOption func(*Registry)

func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a server tool handler. Call during setup, before any
// conversation uses the registry.
func (r *Registry) Register(t Tool) {
	r.tools = append(r.tools, t)
}

// ForConversation merges the three tool sources into one effective set:
// client-advertised tools, registered server tools, and the agent's own
// tools. Names are sanitized before merging; a duplicate name anywhere in
// the merged set is an error.
func (r *Registry) ForConversation(agent *Agent, conv *Conversation) (*ToolSet, error) {
	ts := &ToolSet{
		log:        r.log,
		client:     make(map[string]struct{}),
		handlers:   make(map[string]Tool),
		validators: make(map[string]*jsonschema.Schema),
	}

	add := func(def ToolDefinition, handler Tool, isClient bool) error {
		def.Name = SanitizeToolName(def.Name)
		if def.Name == "" {
			return fmt.Errorf("registry: tool name empty after sanitization")
		}
		if ts.byName(def.Name) != nil {
			return fmt.Errorf("registry: duplicate tool name %q", def.Name)
		}
		if len(def.Parameters) > 0 {
			sch, err := compileSchema(def.Name, def.Parameters)
			if err != nil {
				return fmt.Errorf("registry: tool %s: %w", def.Name, err)
			}
			ts.validators[def.Name] = sch
		}
		ts.defs = append(ts.defs, def)
		if isClient {
			ts.client[def.Name] = struct{}{}
		} else if handler != nil {
			ts.handlers[def.Name] = handler
		}
		return nil
	}

	if conv != nil {
		for _, def := range conv.ClientTools {
			if err := add(def, nil, true); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range r.tools {
		for _, def := range t.Definitions() {
			if err := add(def, t, false); err != nil {
				return nil, err
			}
		}
	}
	if agent != nil {
		for _, def := range agent.Tools {
			if err := add(def, nil, false); err != nil {
				return nil, err
			}
		}
	}
	return ts, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// ToolSet is one conversation's effective tool catalog with validation and
// dispatch.
type ToolSet struct {
	log        *slog.Logger
	defs       []ToolDefinition
	client     map[string]struct{}
	handlers   map[string]Tool
	validators map[string]*jsonschema.Schema
}

// Definitions returns the merged schemas in registration order.
func (ts *ToolSet) Definitions() []ToolDefinition { return ts.defs }

// IsClientTool reports whether name was advertised by the remote client.
// Calls to client tools pause the conversation.
func (ts *ToolSet) IsClientTool(name string) bool {
	_, ok := ts.client[name]
	return ok
}

func (ts *ToolSet) byName(name string) *ToolDefinition {
	for i := range ts.defs {
		if ts.defs[i].Name == name {
			return &ts.defs[i]
		}
	}
	return nil
}

// FilterValid drops tool calls that name an unknown tool or fail schema
// validation of their arguments. Dropped calls are logged and never
// executed; validation failure is not a turn error.
func (ts *ToolSet) FilterValid(calls []ToolCall) []ToolCall {
	valid := calls[:0:0]
	for _, call := range calls {
		if ts.byName(call.Name) == nil {
			ts.log.Warn("tools: call to unknown tool filtered", "tool", call.Name, "call_id", call.ID)
			continue
		}
		if err := ts.validate(call); err != nil {
			ts.log.Warn("tools: call failed argument validation, filtered",
				"tool", call.Name, "call_id", call.ID, "error", err)
			continue
		}
		valid = append(valid, call)
	}
	return valid
}

func (ts *ToolSet) validate(call ToolCall) error {
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	sch := ts.validators[call.Name]
	if sch == nil {
		return nil
	}
	if err := sch.Validate(v); err != nil {
		return err
	}
	return nil
}

// Dispatch runs a server tool call and returns its result. Handler panics
// and errors become failed results so a tool can never fail the turn.
func (ts *ToolSet) Dispatch(ctx context.Context, call ToolCall) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			ts.log.Error("tools: handler panicked", "tool", call.Name, "panic", r)
			result = ToolResult{Error: fmt.Sprintf("tool %s panicked: %v", call.Name, r)}
		}
	}()

	h := ts.handlers[call.Name]
	if h == nil {
		if ts.IsClientTool(call.Name) {
			return ToolResult{Error: fmt.Sprintf("tool %s is client-executed", call.Name)}
		}
		return ToolResult{Error: fmt.Sprintf("no handler for tool %s", call.Name)}
	}
	res, err := h.Execute(ctx, call.Name, call.Args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return res
}

// Preamble renders the tool-availability section of the system prompt: one
// "name: description" line per tool.
func (ts *ToolSet) Preamble() string {
	if len(ts.defs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, def := range ts.defs {
		sb.WriteString("- ")
		sb.WriteString(def.Name)
		if def.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(firstLine(def.Description))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
