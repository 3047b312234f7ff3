// Package auth verifies device tokens. The default mode validates HS256
// tokens signed with the hub's shared secret; jwks mode validates RS256
// tokens minted by a relay against its JWKS endpoint.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the result of a successful verification.
type Identity struct {
	// DeviceID is the device_id claim when the token carries one. The
	// connection handler cross-checks it against the device id the client
	// announced.
	DeviceID string
	Subject  string
}

// Verifier validates a device token.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims are the JWT claims device tokens carry.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id,omitempty"`
}

// SecretVerifier validates HS256 tokens signed with the shared secret.
type SecretVerifier struct {
	secret []byte
}

// NewSecretVerifier builds the shared-secret verifier.
func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token.
func (v *SecretVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	return Identity{DeviceID: claims.DeviceID, Subject: claims.Subject}, nil
}

// JWKSVerifier validates asymmetric tokens against a remote JWKS endpoint.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewJWKSVerifier creates a verifier that fetches and caches keys from
// jwksURL. Issuer and audience are enforced when non-empty.
func NewJWKSVerifier(jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{jwks: k, issuer: issuer, audience: audience}, nil
}

// Verify parses and validates the token.
func (v *JWKSVerifier) Verify(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	return Identity{DeviceID: claims.DeviceID, Subject: claims.Subject}, nil
}

// NewDeviceToken mints an HS256 device token. Used by the pairing CLI and
// tests; ttl <= 0 means no expiry claim.
func NewDeviceToken(secret, deviceID string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  deviceID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		DeviceID: deviceID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
