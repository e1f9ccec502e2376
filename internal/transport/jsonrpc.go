// ABOUTME: JSON-RPC 2.0 envelope types, error codes and response writers for the transport
// ABOUTME: PeekMethod lets decorators read a POST body's method without consuming it

package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeServerError covers protocol version mismatches and auth failures.
	CodeServerError = -32000
)

// Message is a JSON-RPC 2.0 envelope. Requests and notifications set Method;
// responses set Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the message carries no id.
func (m *Message) IsNotification() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// errorResponse always carries an id, null when unknown.
type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// NewNotification builds a server-to-client notification.
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// EncodeError renders a JSON-RPC error response.
func EncodeError(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body, err := json.Marshal(errorResponse{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
	if err != nil {
		// Only reachable with an invalid raw id.
		body, _ = json.Marshal(errorResponse{
			JSONRPC: "2.0",
			Error:   &Error{Code: code, Message: message},
			ID:      json.RawMessage("null"),
		})
	}
	return body
}

// WriteError sends a JSON-RPC error response with the given HTTP status.
func WriteError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(EncodeError(id, code, message))
}

// PeekMethod returns the JSON-RPC method of a POST body and restores the body
// so the next reader sees it unchanged. It returns "" when the body is not a
// single JSON-RPC message.
func PeekMethod(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), rest), rest}
	if err != nil {
		return ""
	}

	var peek struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(body, &peek) != nil {
		return ""
	}
	return peek.Method
}

func encodeMessage(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		return json.Marshal(msg)
	}
}
