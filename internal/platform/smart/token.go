package smart

import (
	"context"
	"encoding/json"
	"fmt"
)

// TokenResponse is the OAuth2 token endpoint response. Patient carries the
// optional SMART launch context.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	Patient     string `json:"patient,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
}

// OAuthError is an RFC 6749 error response from the authorization server.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth error %s", e.Code)
}

// ExchangeCode redeems an authorization code at the issuer's token endpoint.
// The token endpoint is resolved through Discover; the request is always
// form-encoded, authenticated with Basic auth (symmetric) or an RFC 7523
// client assertion (asymmetric).
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	conf, err := c.Discover(ctx, c.cfg.Issuer)
	if err != nil {
		return nil, err
	}
	return c.exchangeAt(ctx, conf.TokenEndpoint, code, redirectURI)
}

func (c *Client) exchangeAt(ctx context.Context, tokenEndpoint, code, redirectURI string) (*TokenResponse, error) {
	form := map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": redirectURI,
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFormData(form)

	switch c.cfg.AuthType {
	case AuthTypeSymmetric:
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	case AuthTypeAsymmetric:
		assertion, err := c.signer.Sign(tokenEndpoint)
		if err != nil {
			return nil, err
		}
		req.SetFormData(map[string]string{
			"client_assertion_type": "urn:ietf:params:oauth:client-assertion-type:jwt-bearer",
			"client_assertion":      assertion,
		})
	}

	resp, err := req.Post(tokenEndpoint)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}

	body := resp.Body()
	if !resp.IsSuccess() {
		var oerr OAuthError
		if json.Unmarshal(body, &oerr) == nil && oerr.Code != "" {
			return nil, fmt.Errorf("token exchange failed (%d): %w", resp.StatusCode(), &oerr)
		}
		return nil, fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode(), string(body))
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token exchange failed: response carried no access token: %s", string(body))
	}

	c.log.Info().
		Str("token_type", tok.TokenType).
		Int("expires_in", tok.ExpiresIn).
		Bool("patient_context", tok.Patient != "").
		Msg("token exchange succeeded")

	return &tok, nil
}
