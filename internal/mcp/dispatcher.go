// ABOUTME: JSON-RPC dispatcher implementing the transport handler for MCP methods
// ABOUTME: Answers initialize, ping, tools/list and tools/call; notifications get no response

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-mcp/internal/auth"
	"github.com/2389/coven-mcp/internal/transport"
)

// ServerInfo identifies the server in initialize responses.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolInfo is a tool as listed by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// RequestMeta carries the optional progress token of a request.
type RequestMeta struct {
	ProgressToken json.RawMessage `json:"progressToken,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one item of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult builds a single text content result.
func TextResult(text string) *CallResult {
	return &CallResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds a tool-level failure the caller sees as output.
func ErrorResult(text string) *CallResult {
	return &CallResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

type response struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  any              `json:"result,omitempty"`
	Error   *transport.Error `json:"error,omitempty"`
	ID      json.RawMessage  `json:"id"`
}

// Config configures a Dispatcher.
type Config struct {
	Registry     *Registry
	ServerInfo   ServerInfo
	Instructions string
	Logger       *slog.Logger
}

// Dispatcher routes JSON-RPC messages to protocol methods and tools.
type Dispatcher struct {
	registry     *Registry
	info         ServerInfo
	instructions string
	logger       *slog.Logger
}

var _ transport.Handler = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. A nil registry serves no tools.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}
	info := cfg.ServerInfo
	if info.Name == "" {
		info.Name = "coven-mcp"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return &Dispatcher{
		registry:     registry,
		info:         info,
		instructions: cfg.Instructions,
		logger:       logger.With("component", "dispatcher"),
	}
}

type requestIDKey struct{}

// RequestID returns the JSON-RPC id of the request being dispatched.
func RequestID(ctx context.Context) json.RawMessage {
	id, _ := ctx.Value(requestIDKey{}).(json.RawMessage)
	return id
}

// HandleRequest implements transport.Handler.
func (d *Dispatcher) HandleRequest(ctx context.Context, body []byte, headers map[string]string) ([]byte, error) {
	var msg transport.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	if msg.Method == "" {
		// A client response to a server request; nothing is waiting on it.
		d.logger.Debug("ignoring client response", "id", string(msg.ID))
		return nil, nil
	}
	if msg.IsNotification() {
		if !strings.HasPrefix(msg.Method, "notifications/") {
			d.logger.Warn("received notification for non-notification method", "method", msg.Method)
		}
		return nil, nil
	}

	ctx = context.WithValue(ctx, requestIDKey{}, msg.ID)
	d.logger.Debug("dispatching",
		"method", msg.Method,
		"session_id", headers["mcp-session-id"],
		"subject", headers["x-mcp-auth-subject"],
	)

	var result any
	var rpcErr *transport.Error
	switch msg.Method {
	case "initialize":
		result = d.initialize()
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = d.listTools(ctx)
	case "tools/call":
		result, rpcErr = d.callTool(ctx, msg.Params)
	default:
		rpcErr = &transport.Error{Code: transport.CodeMethodNotFound, Message: "Method not found: " + msg.Method}
	}

	resp := response{JSONRPC: "2.0", ID: msg.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}

	// A tool that upgraded to a stream gets its response delivered there.
	if sr, ok := transport.Streaming(ctx); ok {
		if err := sr.Complete(out); err != nil {
			d.logger.Warn("failed to complete stream", "session_id", sr.SessionID(), "error", err)
		}
		return nil, nil
	}
	return out, nil
}

func (d *Dispatcher) initialize() any {
	result := map[string]any{
		"protocolVersion": transport.ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": d.info,
	}
	if d.instructions != "" {
		result["instructions"] = d.instructions
	}
	return result
}

func (d *Dispatcher) listTools(ctx context.Context) ListToolsResult {
	tools := d.registry.List(auth.FromContext(ctx))
	result := ListToolsResult{Tools: make([]ToolInfo, len(tools))}
	for i, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools[i] = ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	return result
}

func (d *Dispatcher) callTool(ctx context.Context, raw json.RawMessage) (*CallResult, *transport.Error) {
	var params CallToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &transport.Error{Code: transport.CodeInvalidParams, Message: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &transport.Error{Code: transport.CodeInvalidParams, Message: "tool name is required"}
	}

	tool, err := d.registry.Get(params.Name)
	if err != nil {
		return nil, &transport.Error{Code: transport.CodeInvalidParams, Message: "tool not found"}
	}
	if info := auth.FromContext(ctx); !allowed(tool, info) {
		d.logger.Warn("tool refused", "tool", tool.Name, "subject", info.Subject, "required", tool.RequiredScope)
		return nil, &transport.Error{Code: transport.CodeInvalidRequest, Message: "insufficient scope for this tool"}
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if params.Meta != nil && len(params.Meta.ProgressToken) > 0 {
		ctx = context.WithValue(ctx, progressTokenKey{}, params.Meta.ProgressToken)
	}

	result, err := d.runTool(ctx, tool, args)
	if err != nil {
		return nil, d.toolError(tool.Name, err)
	}
	if result == nil {
		result = &CallResult{Content: []Content{}}
	}
	return result, nil
}

func (d *Dispatcher) runTool(ctx context.Context, tool *Tool, args json.RawMessage) (result *CallResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return tool.Handler(ctx, args)
}

func (d *Dispatcher) toolError(name string, err error) *transport.Error {
	d.logger.Warn("tool execution failed", "tool", name, "error", err)

	code := transport.CodeInternalError
	message := "tool execution failed"
	switch {
	case errors.Is(err, ErrInvalidArguments):
		code = transport.CodeInvalidParams
		message = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}
	return &transport.Error{Code: code, Message: message}
}

type progressTokenKey struct{}

// ProgressToken returns the caller's progress token for the tool call under
// ctx, if it sent one.
func ProgressToken(ctx context.Context) (json.RawMessage, bool) {
	tok, ok := ctx.Value(progressTokenKey{}).(json.RawMessage)
	return tok, ok && len(tok) > 0
}
