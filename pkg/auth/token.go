package auth

import "sync/atomic"

// Token is a scoped capability for an authenticated identity. It must be
// released on every exit path of the request that acquired it; Release is
// idempotent and safe on a nil Token.
type Token struct {
	identity  *Identity
	released  atomic.Bool
	onRelease func()
}

// Acquire returns a Token for id. onRelease, if non-nil, runs exactly once
// when the Token is released.
func Acquire(id *Identity, onRelease func()) *Token {
	return &Token{identity: id, onRelease: onRelease}
}

// Identity returns the identity, or nil once the Token is released.
func (t *Token) Identity() *Identity {
	if t == nil || t.released.Load() {
		return nil
	}
	return t.identity
}

// Release drops the capability.
func (t *Token) Release() {
	if t == nil || t.released.Swap(true) {
		return
	}
	if t.onRelease != nil {
		t.onRelease()
	}
}

// Released reports whether Release was called.
func (t *Token) Released() bool {
	return t == nil || t.released.Load()
}
