// Package auth turns bearer credentials into security contexts.
//
// Two credential forms are accepted on the same header:
//   - API keys, stored in configuration as the SHA-256 hex of the key
//   - HS256 tokens issued by "toolgate token" when a JWT secret is set
//
// Keys are compared in constant time. Tokens must carry an expiry and,
// when an issuer is configured, the matching iss claim.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/security"
)

var (
	// ErrMissingCredentials is returned when the header carries no bearer value.
	ErrMissingCredentials = errors.New("missing or invalid Authorization header")
	// ErrInvalidCredentials is returned for unknown keys and bad tokens.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokensDisabled is returned by IssueToken without a JWT secret.
	ErrTokensDisabled = errors.New("bearer tokens are not configured")
)

// Claims is the payload of an issued token. The subject is the user id.
type Claims struct {
	Trust       string   `json:"trust,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type apiKey struct {
	digest    []byte
	principal config.PrincipalConfig
}

// Authenticator validates bearer credentials.
type Authenticator struct {
	keys     []apiKey
	secret   []byte
	issuer   string
	ttl      time.Duration
	security config.SecurityConfig
	now      func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New builds an Authenticator from the HTTP gateway configuration.
func New(gw *config.HTTPGatewayConfig, sec config.SecurityConfig, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{security: sec, now: time.Now, ttl: time.Hour}
	if gw != nil {
		for digest, p := range gw.APIKeys {
			raw, err := hex.DecodeString(strings.ToLower(digest))
			if err != nil || len(raw) != sha256.Size {
				return nil, fmt.Errorf("api key for %q is not a sha256 hex digest", p.UserID)
			}
			a.keys = append(a.keys, apiKey{digest: raw, principal: p})
		}
		if gw.JWT != nil && gw.JWT.Secret != "" {
			a.secret = []byte(gw.JWT.Secret)
			a.issuer = gw.JWT.Issuer
			a.ttl = gw.JWT.TokenTTL()
		}
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// HashKey returns the configuration form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether any credential form is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0 || len(a.secret) > 0
}

// Authenticate resolves an Authorization header value. sessionID is used
// for API keys and for tokens that carry no sid claim.
func (a *Authenticator) Authenticate(header, sessionID string) (security.Context, error) {
	credential, ok := strings.CutPrefix(header, "Bearer ")
	credential = strings.TrimSpace(credential)
	if !ok || credential == "" {
		return security.Context{}, ErrMissingCredentials
	}

	if p, ok := a.lookupKey(credential); ok {
		return a.security.Principal(p, sessionID)
	}
	if len(a.secret) > 0 && strings.Count(credential, ".") == 2 {
		return a.parseToken(credential, sessionID)
	}
	return security.Context{}, ErrInvalidCredentials
}

func (a *Authenticator) lookupKey(key string) (config.PrincipalConfig, bool) {
	sum := sha256.Sum256([]byte(key))
	var (
		found config.PrincipalConfig
		match int
	)
	// Every key is compared so timing does not reveal which one matched.
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], k.digest) == 1 {
			found = k.principal
			match = 1
		}
	}
	return found, match == 1
}

func (a *Authenticator) parseToken(raw, sessionID string) (security.Context, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return security.Context{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return security.Context{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredentials)
	}

	if claims.SessionID != "" {
		sessionID = claims.SessionID
	}
	return a.security.Principal(config.PrincipalConfig{
		UserID:      claims.Subject,
		TrustLevel:  claims.Trust,
		Permissions: claims.Permissions,
	}, sessionID)
}

// IssueToken signs a token for p. A zero ttl uses the configured lifetime.
func (a *Authenticator) IssueToken(p config.PrincipalConfig, sessionID string, ttl time.Duration) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, ErrTokensDisabled
	}
	if p.UserID == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}
	if _, err := security.ParsePermissions(p.Permissions); err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		ttl = a.ttl
	}

	now := a.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Trust:       p.TrustLevel,
		Permissions: p.Permissions,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}
