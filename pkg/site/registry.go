// Package site holds the registry of sites served by one server instance.
package site

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/rhuss/sitehost/pkg/api"
)

// Registry maps (port, base URL) to a Site and resolves sub-sites through
// their main site. The lock is held only for table operations.
type Registry struct {
	mu     sync.Mutex
	sites  map[string]*api.Site
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sites:  make(map[string]*api.Site),
		logger: logger,
	}
}

// Register adds s. A sub-site is linked to its main site, which must already
// be registered on the same port; otherwise nothing is changed.
func (r *Registry) Register(s *api.Site) error {
	if s == nil {
		return api.NewConfigurationError("site is nil", nil)
	}
	s.BaseURL = normalize(s.BaseURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.Key()
	if _, exists := r.sites[key]; exists {
		return api.NewConfigurationError(fmt.Sprintf("site %s already registered", key), nil)
	}

	if s.IsSubSite() {
		mainKey := keyOf(s.Port, normalize(s.MainBaseURL))
		main, ok := r.sites[mainKey]
		if !ok {
			return api.NewConfigurationError(fmt.Sprintf("main site %s of sub-site %s is not registered", mainKey, key), nil)
		}
		if main.IsSubSite() {
			return api.NewConfigurationError(fmt.Sprintf("main site %s of sub-site %s is itself a sub-site", mainKey, key), nil)
		}
		s.Main = main
	}

	r.sites[key] = s
	r.logger.Debug("site registered", "site", s.Name, "port", s.Port, "base_url", s.BaseURL, "sub_site", s.IsSubSite())
	return nil
}

// Delete stops and removes the site at (port, baseURL). Dependent sub-sites
// of a main site are stopped and removed first. Sub-sites registered while
// Delete runs are removed together with the main site, so none is left
// pointing at a deleted main site.
func (r *Registry) Delete(port int, baseURL string) error {
	key := keyOf(port, normalize(baseURL))

	r.mu.Lock()
	s, ok := r.sites[key]
	r.mu.Unlock()
	if !ok {
		return api.NewNotFoundError(fmt.Sprintf("site %s not registered", key))
	}

	for {
		sub := r.takeDependent(s)
		if sub == nil {
			break
		}
		sub.Stop()
		r.logger.Debug("sub-site removed", "site", sub.Name, "main", s.Name)
	}

	r.mu.Lock()
	var late []*api.Site
	for k, sub := range r.sites {
		if sub.Main == s {
			delete(r.sites, k)
			late = append(late, sub)
		}
	}
	if r.sites[key] == s {
		delete(r.sites, key)
	}
	r.mu.Unlock()

	for _, sub := range late {
		sub.Stop()
		r.logger.Debug("sub-site removed", "site", sub.Name, "main", s.Name)
	}
	s.Stop()
	r.logger.Debug("site removed", "site", s.Name, "port", s.Port, "base_url", s.BaseURL)
	return nil
}

// takeDependent removes and returns one sub-site of main, or nil. Callers
// loop on it since the table changes after each removal.
func (r *Registry) takeDependent(main *api.Site) *api.Site {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.sites {
		if s.Main == main {
			delete(r.sites, key)
			return s
		}
	}
	return nil
}

// Find resolves the site for a request path on port. An exact base URL
// match wins; otherwise the longest main site prefix is chosen and then
// narrowed to the longest matching sub-site of that main site.
func (r *Registry) Find(port int, path string) (*api.Site, bool) {
	path = normalize(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sites[keyOf(port, path)]; ok {
		return s, true
	}

	var main *api.Site
	for _, s := range r.sites {
		if s.Port != port || s.IsSubSite() || !within(path, s.BaseURL) {
			continue
		}
		if main == nil || len(s.BaseURL) > len(main.BaseURL) {
			main = s
		}
	}
	if main == nil {
		return nil, false
	}

	best := main
	for _, s := range r.sites {
		if s.Main != main || !within(path, s.BaseURL) {
			continue
		}
		if best == main || len(s.BaseURL) > len(best.BaseURL) {
			best = s
		}
	}
	return best, true
}

// Sites returns a snapshot of every registered site.
func (r *Registry) Sites() []*api.Site {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*api.Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sites.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sites)
}

// RemoveAll stops and removes every site, sub-sites before their main
// site. The scan restarts after each removal.
func (r *Registry) RemoveAll() {
	for {
		s := r.takeNext()
		if s == nil {
			return
		}
		s.Stop()
		r.logger.Debug("site removed", "site", s.Name, "port", s.Port, "base_url", s.BaseURL)
	}
}

func (r *Registry) takeNext() *api.Site {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidate *api.Site
	for key, s := range r.sites {
		if s.IsSubSite() {
			delete(r.sites, key)
			return s
		}
		candidate = s
	}
	if candidate != nil {
		delete(r.sites, candidate.Key())
	}
	return candidate
}

func keyOf(port int, baseURL string) string {
	return strconv.Itoa(port) + baseURL
}

// normalize drops a trailing slash so "/api/" and "/api" are one site. The
// root stays "/".
func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func within(path, base string) bool {
	if base == "/" {
		return true
	}
	return path == base || strings.HasPrefix(path, base+"/")
}
