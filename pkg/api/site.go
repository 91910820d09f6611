package api

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AuthPolicy is a site's authentication requirement. Credential schemes
// themselves are pluggable; the site only names the scheme and realm used
// for the challenge.
type AuthPolicy struct {
	Required bool
	Scheme   string // e.g. "Bearer" or "Basic"
	Realm    string
}

// Challenge renders the WWW-Authenticate value for the policy.
func (p AuthPolicy) Challenge() string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	if p.Realm == "" {
		return scheme
	}
	return scheme + ` realm="` + strings.ReplaceAll(p.Realm, `"`, `'`) + `"`
}

// Site is a registered endpoint binding (port + base URL) owning routing,
// authentication, cookie and compression policy for the requests it matches.
//
// A Site with MainBaseURL set is a sub-site: it is matched through its main
// site on the same port and applies its own handler once matched. Main is
// resolved by the registry on registration.
type Site struct {
	Name    string
	Port    int
	BaseURL string
	Prefix  string
	Secure  bool

	Auth    AuthPolicy
	Cookies CookiePolicy

	Compression   bool
	EventStream   bool
	VerbTunneling bool
	WebSockets    bool

	// VerbFallback is used for methods outside the Verb enumeration.
	// VerbUnknown means no fallback: such requests get a 501.
	VerbFallback Verb

	MainBaseURL string
	Main        *Site

	Handler        Handler
	StreamHandler  StreamHandler
	ChannelHandler ChannelHandler

	// ModTime reports the last modification time of the resource at route,
	// for conditional GET. Nil disables conditional handling.
	ModTime func(route string) (time.Time, bool)

	started atomic.Bool

	mu       sync.Mutex
	onStop   []stopHook
	nextHook uint64
	stopped  chan struct{}
}

type stopHook struct {
	id uint64
	fn func()
}

// Key returns the registry key of the site.
func (s *Site) Key() string {
	return strconv.Itoa(s.Port) + s.BaseURL
}

// IsSubSite reports whether the site declares a main site.
func (s *Site) IsSubSite() bool {
	return s.MainBaseURL != ""
}

// Start marks the site as explicitly started. Starting twice is a no-op.
func (s *Site) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Swap(true) {
		return
	}
	s.stopped = make(chan struct{})
}

// Started reports whether Start was called and Stop was not.
func (s *Site) Started() bool {
	return s.started.Load()
}

// Stop marks the site as stopped and runs the registered stop hooks in
// reverse registration order. Stopping a site that is not started is a no-op.
func (s *Site) Stop() {
	s.mu.Lock()
	if !s.started.Swap(false) {
		s.mu.Unlock()
		return
	}
	hooks := s.onStop
	s.onStop = nil
	close(s.stopped)
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i].fn()
	}
}

// OnStop registers fn to run when the site is stopped. The returned func
// removes the hook again; owners that go away before the site must call it.
func (s *Site) OnStop(fn func()) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHook++
	id := s.nextHook
	s.onStop = append(s.onStop, stopHook{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, h := range s.onStop {
			if h.id == id {
				s.onStop = slices.Delete(s.onStop, i, i+1)
				return
			}
		}
	}
}

// StopHooks returns the number of registered stop hooks.
func (s *Site) StopHooks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onStop)
}

// Done returns a channel closed when the site is stopped. It returns nil
// for a site that was never started.
func (s *Site) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Route returns path relative to the site's base URL. ok is false when path
// is outside the site.
func (s *Site) Route(path string) (route string, ok bool) {
	base := strings.TrimSuffix(s.BaseURL, "/")
	if base == "" {
		return path, true
	}
	if path == base {
		return "/", true
	}
	if strings.HasPrefix(path, base+"/") {
		return path[len(base):], true
	}
	return "", false
}
