// ABOUTME: RFC 9728 protected resource metadata document and its discovery route
// ABOUTME: The document tells clients which authorization servers issue tokens for this resource

package oauth

import (
	"encoding/json"
	"net/http"
	"slices"
)

// ProtectedResourceMetadata is the RFC 9728 discovery document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Metadata returns a copy of the discovery document.
func (rs *ResourceServer) Metadata() ProtectedResourceMetadata {
	m := rs.metadata
	m.AuthorizationServers = slices.Clone(m.AuthorizationServers)
	m.ScopesSupported = slices.Clone(m.ScopesSupported)
	m.BearerMethodsSupported = slices.Clone(m.BearerMethodsSupported)
	return m
}

// ServeMetadata writes the discovery document.
func (rs *ResourceServer) ServeMetadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(rs.metadata); err != nil {
		rs.logger.Warn("failed to write resource metadata", "error", err)
	}
}
