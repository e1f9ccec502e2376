// ABOUTME: OAuth 2.1 error values carrying HTTP status, error code and challenge rendering
// ABOUTME: Errors render as RFC 6750 WWW-Authenticate challenges plus a small JSON body

package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OAuth error codes (RFC 6750 section 3.1)
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidToken      = "invalid_token"
	CodeInsufficientScope = "insufficient_scope"
	CodeServerError       = "server_error"
)

// Error is an authorization failure ready to be written to a client.
type Error struct {
	Status      int
	Code        string
	Description string
	// Scopes lists the scopes that would have satisfied the request.
	Scopes []string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorBody is the JSON body sent with an authorization failure.
type ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Challenge renders the WWW-Authenticate header value.
func (e *Error) Challenge(realm, metadataURL string) string {
	params := []string{}
	if realm != "" {
		params = append(params, param("realm", realm))
	}
	params = append(params, param("error", e.Code))
	if e.Description != "" {
		params = append(params, param("error_description", e.Description))
	}
	if len(e.Scopes) > 0 {
		params = append(params, param("scope", strings.Join(e.Scopes, " ")))
	}
	if metadataURL != "" {
		params = append(params, param("resource_metadata", metadataURL))
	}
	return "Bearer " + strings.Join(params, ", ")
}

func param(name, value string) string {
	value = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", " ").Replace(value)
	return name + `="` + value + `"`
}

// Write sends the error as a challenge header and JSON body.
func (e *Error) Write(w http.ResponseWriter, realm, metadataURL string) {
	w.Header().Set("WWW-Authenticate", e.Challenge(realm, metadataURL))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: e.Code, ErrorDescription: e.Description})
}

// AsError converts any error into an *Error, treating unknown errors as
// server errors.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return serverError(err)
}

func invalidRequest(status int, description string, err error) *Error {
	return &Error{Status: status, Code: CodeInvalidRequest, Description: description, Err: err}
}

func invalidToken(description string, err error) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeInvalidToken, Description: description, Err: err}
}

func insufficientScope(scopes []string, err error) *Error {
	return &Error{
		Status:      http.StatusForbidden,
		Code:        CodeInsufficientScope,
		Description: "token lacks required scope",
		Scopes:      scopes,
		Err:         err,
	}
}

func serverError(err error) *Error {
	return &Error{
		Status:      http.StatusInternalServerError,
		Code:        CodeServerError,
		Description: "authorization failed unexpectedly",
		Err:         err,
	}
}
