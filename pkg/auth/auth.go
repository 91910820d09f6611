package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AuthDecision is the vote of one authenticator.
type AuthDecision int

const (
	// Yes accepts the credentials. The chain stops and the identity is used.
	Yes AuthDecision = iota

	// No rejects credentials that were recognised but are invalid. The
	// chain stops.
	No

	// Abstain passes on credentials of a kind the authenticator does not
	// handle. The chain moves on.
	Abstain
)

func (d AuthDecision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Abstain:
		return "abstain"
	default:
		return fmt.Sprintf("AuthDecision(%d)", int(d))
	}
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	Decision AuthDecision
	Identity *Identity // set when Decision == Yes
	Err      error     // set when Decision == No
}

// Identity is an authenticated caller.
type Identity struct {
	// Subject names the caller and is never empty.
	Subject string

	// ServiceTier selects the rate limit budget.
	ServiceTier string

	// Scopes lists granted scopes.
	Scopes []string

	// Metadata carries scheme specific attributes such as tenant_id.
	Metadata map[string]string
}

// AnonymousSubject is the subject of callers admitted without credentials.
const AnonymousSubject = "anonymous"

// Anonymous returns a fresh identity for an unauthenticated caller.
func Anonymous() *Identity {
	return &Identity{Subject: AnonymousSubject, ServiceTier: "default"}
}

// TenantID returns the tenant_id metadata entry, or "".
func (id *Identity) TenantID() string {
	if id == nil || id.Metadata == nil {
		return ""
	}
	return id.Metadata["tenant_id"]
}

// Credentials is what an authenticator gets to look at. It is extracted from
// the request by the dispatcher so authenticators stay transport-neutral.
type Credentials struct {
	Authorization string
	RemoteAddr    string
	Site          string
}

// SchemeToken splits the Authorization value into its scheme and the rest.
// The scheme comparison is case-insensitive.
func (c Credentials) SchemeToken(scheme string) (token string, ok bool) {
	prefix := scheme + " "
	if len(c.Authorization) < len(prefix) || !strings.EqualFold(c.Authorization[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(c.Authorization[len(prefix):]), true
}

// Authenticator votes on request credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, c Credentials) AuthResult
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
	ErrNoIdentity      = errors.New("authenticator accepted without an identity")
)

// AuthChain asks its authenticators in order and returns the first vote
// that is not Abstain.
type AuthChain struct {
	Authenticators []Authenticator

	// DefaultDecision applies when every authenticator abstains. Yes admits
	// the caller as Anonymous.
	DefaultDecision AuthDecision
}

// Authenticate runs the chain. A Yes without an identity counts as No.
func (c *AuthChain) Authenticate(ctx context.Context, creds Credentials) AuthResult {
	for _, authn := range c.Authenticators {
		if authn == nil {
			continue
		}
		result := authn.Authenticate(ctx, creds)
		switch {
		case result.Decision == Abstain:
			continue
		case result.Decision == Yes && result.Identity == nil:
			return AuthResult{Decision: No, Err: ErrNoIdentity}
		default:
			return result
		}
	}

	if c.DefaultDecision == Yes {
		return AuthResult{Decision: Yes, Identity: Anonymous()}
	}
	return AuthResult{Decision: No, Err: ErrUnauthenticated}
}
