// Package apikey authenticates bearer keys against a static key table.
// Keys are stored as SHA-256 hashes and compared in constant time. A key may
// be scoped to a set of sites.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"slices"

	"github.com/rhuss/sitehost/pkg/auth"
)

// Key is one configured API key.
type Key struct {
	Key      string
	Identity auth.Identity

	// Sites restricts the key to the named sites. Empty means every site.
	Sites []string
}

type entry struct {
	hash     [32]byte
	identity auth.Identity
	sites    []string
}

// Authenticator validates bearer keys.
type Authenticator struct {
	entries []entry
}

// New hashes keys and returns an Authenticator. Plaintext keys are not kept.
func New(keys []Key) *Authenticator {
	a := &Authenticator{entries: make([]entry, 0, len(keys))}
	for _, k := range keys {
		a.entries = append(a.entries, entry{
			hash:     sha256.Sum256([]byte(k.Key)),
			identity: k.Identity,
			sites:    slices.Clone(k.Sites),
		})
	}
	return a
}

// Authenticate abstains without a Bearer credential, votes No for an unknown
// key or a key not valid for the requested site, and Yes otherwise.
func (a *Authenticator) Authenticate(_ context.Context, c auth.Credentials) auth.AuthResult {
	token, ok := c.SchemeToken("Bearer")
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(token))
	for i := range a.entries {
		e := &a.entries[i]
		if subtle.ConstantTimeCompare(sum[:], e.hash[:]) != 1 {
			continue
		}
		if len(e.sites) > 0 && !slices.Contains(e.sites, c.Site) {
			return auth.AuthResult{Decision: auth.No, Err: auth.ErrForbidden}
		}
		id := e.identity
		return auth.AuthResult{Decision: auth.Yes, Identity: &id}
	}
	return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
}
