package smart

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Client assertions are short-lived by design; five minutes matches the
// SMART App Launch guidance.
const assertionLifetime = 5 * time.Minute

// signingMethods maps the supported asymmetric algorithms to their jwt/v5
// signing methods.
var signingMethods = map[string]jwt.SigningMethod{
	"RS256": jwt.SigningMethodRS256,
	"RS384": jwt.SigningMethodRS384,
	"ES256": jwt.SigningMethodES256,
	"ES384": jwt.SigningMethodES384,
}

// AssertionSigner builds RFC 7523 client-assertion JWTs for asymmetric
// client authentication.
type AssertionSigner struct {
	clientID string
	keyID    string
	method   jwt.SigningMethod
	key      crypto.PrivateKey
}

// NewAssertionSigner parses the PEM private key and prepares a signer. The
// key type must match the algorithm family (RSA for RS*, EC for ES*).
func NewAssertionSigner(clientID, keyPEM, keyID, alg string) (*AssertionSigner, error) {
	method, ok := signingMethods[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	if keyPEM == "" {
		return nil, fmt.Errorf("private key is required for asymmetric auth")
	}

	var (
		key crypto.PrivateKey
		err error
	)
	if strings.HasPrefix(alg, "RS") {
		key, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	} else {
		key, err = jwt.ParseECPrivateKeyFromPEM([]byte(keyPEM))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &AssertionSigner{
		clientID: clientID,
		keyID:    keyID,
		method:   method,
		key:      key,
	}, nil
}

// Sign produces a signed client assertion addressed to the given token
// endpoint: iss and sub are the client id, aud is the token endpoint, and
// jti is a fresh UUID.
func (s *AssertionSigner) Sign(tokenEndpoint string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": tokenEndpoint,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
