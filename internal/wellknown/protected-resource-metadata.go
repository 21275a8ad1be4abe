// Package wellknown holds the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) advertised alongside the MCP endpoint.
package wellknown

import (
	"net/url"
	"strings"
)

const protectedResourcePrefix = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// ForResource fills the fields every document served for resource must
// carry. Explicit values are kept.
func (m ProtectedResourceMetadata) ForResource(resource *url.URL) ProtectedResourceMetadata {
	if m.Resource == "" {
		m.Resource = resource.String()
	}
	if len(m.BearerMethodsSupported) == 0 {
		m.BearerMethodsSupported = []string{"header"}
	}
	return m
}

// MetadataURL returns where the metadata for resource lives: the well-known
// prefix is inserted between the host and the resource path.
func MetadataURL(resource *url.URL) *url.URL {
	return &url.URL{
		Scheme: resource.Scheme,
		Host:   resource.Host,
		Path:   protectedResourcePrefix + strings.TrimSuffix(resource.Path, "/"),
	}
}
