package config

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rhuss/sitehost/pkg/api"
)

// Policy converts the header section to the server header policy.
func (h HeadersConfig) Policy() api.ServerHeaderPolicy {
	mode := api.ServerHeaderMode(h.Server)
	if mode == "" {
		mode = api.ServerHeaderVendor
	}
	return api.ServerHeaderPolicy{
		Mode:        mode,
		Product:     h.Product,
		Application: h.Application,
		Operator:    h.Operator,
	}
}

// Policy converts the cookie section to a cookie policy. Every attribute
// set in the section becomes policy controlled.
func (cc CookiesConfig) Policy() (api.CookiePolicy, error) {
	var p api.CookiePolicy
	if cc.Secure != nil {
		p.Controlled |= api.CookieSecure
		p.Secure = *cc.Secure
	}
	if cc.HTTPOnly != nil {
		p.Controlled |= api.CookieHTTPOnly
		p.HTTPOnly = *cc.HTTPOnly
	}
	if cc.SameSite != "" {
		switch strings.ToLower(cc.SameSite) {
		case "lax":
			p.SameSite = http.SameSiteLaxMode
		case "strict":
			p.SameSite = http.SameSiteStrictMode
		case "none":
			p.SameSite = http.SameSiteNoneMode
		default:
			return p, fmt.Errorf("cookies.same_site must be lax, strict or none, got %q", cc.SameSite)
		}
		p.Controlled |= api.CookieSameSite
	}
	if cc.Path != "" {
		p.Controlled |= api.CookiePath
		p.Path = cc.Path
	}
	if cc.Domain != "" {
		p.Controlled |= api.CookieDomain
		p.Domain = cc.Domain
	}
	if cc.ExpiresMinutes != nil {
		if *cc.ExpiresMinutes < 0 {
			return p, fmt.Errorf("cookies.expires_minutes must be >= 0, got %d", *cc.ExpiresMinutes)
		}
		p.Controlled |= api.CookieExpires
		p.ExpiresMinutes = *cc.ExpiresMinutes
	}
	if cc.MaxAge != nil {
		p.Controlled |= api.CookieMaxAge
		p.MaxAge = *cc.MaxAge
	}
	return p, nil
}

// Site builds the api.Site for s. Handlers are left to the caller. The port
// defaults to the port of server.addr.
func (c *Config) Site(s SiteConfig) (*api.Site, error) {
	port := s.Port
	if port == 0 {
		port = c.ListenPort()
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port must be 1-65535, got %d", port)
	}
	base := s.BaseURL
	if base == "" {
		base = "/"
	}
	if !strings.HasPrefix(base, "/") {
		return nil, fmt.Errorf("base_url %q must start with /", base)
	}

	cookies, err := s.Cookies.Policy()
	if err != nil {
		return nil, err
	}

	fallback := api.VerbUnknown
	if s.VerbFallback != "" {
		v, ok := api.ParseVerbFold(s.VerbFallback)
		if !ok {
			return nil, fmt.Errorf("verb_fallback %q is not a known verb", s.VerbFallback)
		}
		fallback = v
	}

	scheme := s.Auth.Scheme
	switch strings.ToLower(scheme) {
	case "":
	case "bearer", "basic":
	default:
		return nil, fmt.Errorf("auth.scheme must be Bearer or Basic, got %q", scheme)
	}

	name := s.Name
	if name == "" {
		name = base
	}
	site := &api.Site{
		Name:          name,
		Port:          port,
		BaseURL:       trimBase(base),
		Prefix:        s.Prefix,
		Secure:        s.Secure,
		Auth:          api.AuthPolicy{Required: s.Auth.Required, Scheme: scheme, Realm: s.Auth.Realm},
		Cookies:       cookies,
		Compression:   s.Compression,
		EventStream:   s.EventStream,
		VerbTunneling: s.VerbTunneling,
		WebSockets:    s.WebSockets,
		VerbFallback:  fallback,
	}
	if s.Main != "" {
		site.MainBaseURL = trimBase(s.Main)
	}
	return site, nil
}

// ListenPort returns the port of server.addr, or 0 when it has none.
func (c *Config) ListenPort() int {
	_, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

func trimBase(p string) string {
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}
