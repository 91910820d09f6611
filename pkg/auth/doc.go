// Package auth provides pluggable authentication for site gating.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// The package also provides the scoped identity [Token] attached to a
// request, a per-identity [InProcessLimiter] and a per-sender [SenderGuard]
// used as the abuse check for event stream subscriptions.
package auth
