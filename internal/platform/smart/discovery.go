package smart

import (
	"context"
	"fmt"
	"strings"
)

// SMART sandbox endpoints, used when the issuer advertises neither a SMART
// configuration document nor a capability statement.
const (
	sandboxAuthorizeEndpoint = "https://launch.smarthealthit.org/v/r4/auth/authorize"
	sandboxTokenEndpoint     = "https://launch.smarthealthit.org/v/r4/auth/token"
)

// Configuration is the subset of the SMART discovery document
// (.well-known/smart-configuration) this client needs.
type Configuration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	Issuer                string   `json:"issuer,omitempty"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	Capabilities          []string `json:"capabilities,omitempty"`
}

// Discover resolves the authorize and token endpoints for the given issuer.
// It tries the SMART well-known document first, then checks that the server
// at least answers a FHIR metadata request, and finally falls back to the
// public SMART sandbox endpoints.
func (c *Client) Discover(ctx context.Context, iss string) (*Configuration, error) {
	if iss == "" {
		return nil, fmt.Errorf("smart discovery: empty issuer")
	}
	base := strings.TrimRight(iss, "/")

	var conf Configuration
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&conf).
		Get(base + "/.well-known/smart-configuration")
	if err == nil && resp.IsSuccess() && conf.TokenEndpoint != "" {
		if conf.AuthorizationEndpoint == "" {
			conf.AuthorizationEndpoint = sandboxAuthorizeEndpoint
		}
		return &conf, nil
	}

	c.log.Warn().Str("iss", iss).Msg("smart-configuration unavailable, probing metadata")

	metaResp, metaErr := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/fhir+json").
		Get(base + "/metadata")
	if metaErr != nil || !metaResp.IsSuccess() {
		return nil, fmt.Errorf("smart discovery: issuer %s unreachable", iss)
	}

	// The server speaks FHIR but does not publish a SMART configuration.
	// Assume the shared sandbox authorization server.
	return &Configuration{
		AuthorizationEndpoint: sandboxAuthorizeEndpoint,
		TokenEndpoint:         sandboxTokenEndpoint,
		Issuer:                iss,
	}, nil
}
