// Package basic authenticates HTTP Basic credentials against bcrypt hashed
// passwords.
package basic

import (
	"context"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/sitehost/pkg/auth"
)

// User is one configured account. PasswordHash is a bcrypt hash.
type User struct {
	Name         string
	PasswordHash string
	Identity     auth.Identity
}

// Authenticator checks Basic credentials.
type Authenticator struct {
	users map[string]User
}

// New returns an Authenticator for users. A user without an identity
// subject authenticates as its name.
func New(users []User) *Authenticator {
	a := &Authenticator{users: make(map[string]User, len(users))}
	for _, u := range users {
		if u.Identity.Subject == "" {
			u.Identity.Subject = u.Name
		}
		a.users[u.Name] = u
	}
	return a
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *Authenticator) Authenticate(_ context.Context, c auth.Credentials) auth.AuthResult {
	encoded, ok := c.SchemeToken("Basic")
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	name, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	u, found := a.users[name]
	if !found {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	id := u.Identity
	return auth.AuthResult{Decision: auth.Yes, Identity: &id}
}
