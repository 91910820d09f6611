// Package noop provides an authenticator that accepts every request as the
// anonymous identity. It is meant for development sites.
package noop

import (
	"context"

	"github.com/rhuss/sitehost/pkg/auth"
)

// Authenticator always votes Yes.
type Authenticator struct{}

func (a *Authenticator) Authenticate(_ context.Context, c auth.Credentials) auth.AuthResult {
	id := auth.Anonymous()
	if c.RemoteAddr != "" {
		id.Metadata = map[string]string{"remote_addr": c.RemoteAddr}
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}
