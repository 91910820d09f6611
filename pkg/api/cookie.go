package api

import (
	"net/http"
	"time"
)

// CookieAttr is a bit set naming cookie attributes.
type CookieAttr uint8

const (
	CookieSecure CookieAttr = 1 << iota
	CookieHTTPOnly
	CookieSameSite
	CookiePath
	CookieDomain
	CookieExpires
	CookieMaxAge

	CookieAll = CookieSecure | CookieHTTPOnly | CookieSameSite | CookiePath | CookieDomain | CookieExpires | CookieMaxAge
)

// Cookie is an outgoing cookie as set by a site handler, before the site's
// cookie policy is applied.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	Expires  time.Time
	MaxAge   int
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite

	// ExpireNow asks the client to drop the cookie immediately. Policy
	// controlled expiry never overrides it.
	ExpireNow bool
}

// CookiePolicy is a site's cookie attribute policy. Only the attributes
// named in Controlled are overridden; every other attribute passes through
// from the Cookie unchanged.
type CookiePolicy struct {
	Controlled CookieAttr

	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
	Path     string
	Domain   string

	// ExpiresMinutes is added to the current time when CookieExpires is
	// controlled.
	ExpiresMinutes int
	MaxAge         int
}

// Controls reports whether the policy overrides attribute a.
func (p CookiePolicy) Controls(a CookieAttr) bool {
	return p.Controlled&a != 0
}

// Apply returns the http.Cookie to emit for c under policy p at time now.
func (p CookiePolicy) Apply(c *Cookie, now time.Time) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Expires,
		MaxAge:   c.MaxAge,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		SameSite: c.SameSite,
	}

	if p.Controls(CookieSecure) {
		hc.Secure = p.Secure
	}
	if p.Controls(CookieHTTPOnly) {
		hc.HttpOnly = p.HTTPOnly
	}
	if p.Controls(CookieSameSite) {
		hc.SameSite = p.SameSite
	}
	if p.Controls(CookiePath) {
		hc.Path = p.Path
	}
	if p.Controls(CookieDomain) {
		hc.Domain = p.Domain
	}
	if p.Controls(CookieMaxAge) && !c.ExpireNow {
		hc.MaxAge = p.MaxAge
	}
	if p.Controls(CookieExpires) && !c.ExpireNow {
		hc.Expires = now.Add(time.Duration(p.ExpiresMinutes) * time.Minute)
	}

	if c.ExpireNow {
		hc.MaxAge = -1
		hc.Expires = time.Unix(0, 0)
	}
	return hc
}
