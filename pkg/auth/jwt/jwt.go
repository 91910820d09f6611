// Package jwt authenticates signed JSON Web Tokens presented as bearer
// credentials. Tokens are verified against locally configured keys: an
// HMAC secret, an RSA public key, or both.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/sitehost/pkg/auth"
)

// Config holds the verification settings.
type Config struct {
	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// Secret verifies HS256/HS384/HS512 tokens.
	Secret []byte

	// PublicKeyPEM verifies RS256/RS384/RS512 tokens.
	PublicKeyPEM []byte

	// SubjectClaim names the claim used as identity subject. Default "sub".
	SubjectClaim string

	// TierClaim names the claim used as service tier. Default "tier".
	TierClaim string

	// ScopesClaim names the scopes claim. Default "scope". The value may be
	// a space separated string or an array.
	ScopesClaim string
}

func (c *Config) applyDefaults() {
	if c.SubjectClaim == "" {
		c.SubjectClaim = "sub"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
}

// Authenticator verifies bearer JWTs.
type Authenticator struct {
	config  Config
	methods []string
	keyFunc jwtlib.Keyfunc
}

// New builds an Authenticator. It fails when no key is configured or the
// public key cannot be parsed.
func New(cfg Config) (*Authenticator, error) {
	cfg.applyDefaults()

	a := &Authenticator{config: cfg}
	var rsaKey any
	if len(cfg.PublicKeyPEM) > 0 {
		key, err := jwtlib.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing jwt public key: %w", err)
		}
		rsaKey = key
		a.methods = append(a.methods, "RS256", "RS384", "RS512")
	}
	if len(cfg.Secret) > 0 {
		a.methods = append(a.methods, "HS256", "HS384", "HS512")
	}
	if len(a.methods) == 0 {
		return nil, errors.New("jwt authenticator needs a secret or a public key")
	}

	a.keyFunc = func(token *jwtlib.Token) (any, error) {
		switch token.Method.(type) {
		case *jwtlib.SigningMethodRSA:
			if rsaKey != nil {
				return rsaKey, nil
			}
		case *jwtlib.SigningMethodHMAC:
			if len(cfg.Secret) > 0 {
				return cfg.Secret, nil
			}
		}
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return a, nil
}

// Authenticate abstains without a Bearer credential, votes No when the
// token fails verification, and Yes with the claims mapped to an Identity.
func (a *Authenticator) Authenticate(_ context.Context, c auth.Credentials) auth.AuthResult {
	raw, ok := c.SchemeToken("Bearer")
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if raw == "" {
		return auth.AuthResult{Decision: auth.No, Err: errors.New("empty bearer token")}
	}

	token, err := jwtlib.Parse(raw, a.keyFunc, a.parserOptions()...)
	if err != nil {
		slog.Debug("jwt validation failed", "site", c.Site, "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid jwt: %w", err)}
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return auth.AuthResult{Decision: auth.No, Err: errors.New("invalid jwt claims")}
	}

	subject := claimString(claims, a.config.SubjectClaim)
	if subject == "" {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("jwt missing %q claim", a.config.SubjectClaim)}
	}

	id := &auth.Identity{
		Subject:     subject,
		ServiceTier: claimString(claims, a.config.TierClaim),
		Scopes:      scopes(claims[a.config.ScopesClaim]),
		Metadata:    map[string]string{},
	}
	if tenant := claimString(claims, "tenant_id"); tenant != "" {
		id.Metadata["tenant_id"] = tenant
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods(a.methods)}
	if a.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.config.Audience))
	}
	return opts
}

func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func scopes(v any) []string {
	switch val := v.(type) {
	case string:
		if f := strings.Fields(val); len(f) > 0 {
			return f
		}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
