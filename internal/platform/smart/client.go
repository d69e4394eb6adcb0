// Package smart implements the client side of the SMART App Launch flow:
// endpoint discovery, the authorization-code token exchange (symmetric and
// asymmetric client authentication per RFC 7523), and the launch/callback
// HTTP endpoints with anti-CSRF state tracking.
package smart

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Client authentication modes.
const (
	AuthTypeSymmetric  = "symmetric"
	AuthTypeAsymmetric = "asymmetric"
)

// ClientConfig holds the registered SMART app's client settings.
type ClientConfig struct {
	ClientID     string
	AuthType     string
	ClientSecret string
	PrivateKey   string // PEM, asymmetric mode only
	KeyID        string
	SigningAlg   string
	Issuer       string // FHIR server base URL (the `iss`)
	Scope        string
	RedirectURL  string
	Timeout      time.Duration
}

// Client performs discovery and token exchange against a SMART-enabled
// authorization server.
type Client struct {
	cfg    ClientConfig
	http   *resty.Client
	signer *AssertionSigner
	log    zerolog.Logger
}

// NewClient validates the client configuration and constructs a Client. In
// asymmetric mode the private key is parsed here, so a malformed key or an
// unsupported algorithm fails at startup rather than mid-exchange.
func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("smart: client id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg: cfg,
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		log: log.With().Str("component", "smart").Logger(),
	}

	switch cfg.AuthType {
	case AuthTypeSymmetric:
		if cfg.ClientSecret == "" {
			return nil, fmt.Errorf("smart: symmetric auth requires a client secret")
		}
	case AuthTypeAsymmetric:
		signer, err := NewAssertionSigner(cfg.ClientID, cfg.PrivateKey, cfg.KeyID, cfg.SigningAlg)
		if err != nil {
			return nil, fmt.Errorf("smart: %w", err)
		}
		c.signer = signer
	default:
		return nil, fmt.Errorf("smart: unknown auth type %q", cfg.AuthType)
	}

	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() ClientConfig {
	return c.cfg
}
