package server

import (
	"fmt"
	"os"
	"sort"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/auth/apikey"
	"github.com/rhuss/sitehost/pkg/auth/basic"
	"github.com/rhuss/sitehost/pkg/auth/jwt"
	"github.com/rhuss/sitehost/pkg/auth/noop"
	"github.com/rhuss/sitehost/pkg/config"
)

// NewAuthenticator builds the authenticator chain for cfg. Type "none"
// accepts everyone as the anonymous identity.
func NewAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	var a auth.Authenticator
	switch cfg.Type {
	case "none", "":
		return &noop.Authenticator{}, nil
	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			id := auth.Identity{Subject: k.Subject, ServiceTier: k.ServiceTier}
			if k.TenantID != "" {
				id.Metadata = map[string]string{"tenant_id": k.TenantID}
			}
			keys = append(keys, apikey.Key{Key: k.Key, Identity: id, Sites: k.Sites})
		}
		a = apikey.New(keys)
	case "jwt":
		jcfg := jwt.Config{
			Issuer:       cfg.JWT.Issuer,
			Audience:     cfg.JWT.Audience,
			Secret:       []byte(cfg.JWT.Secret),
			SubjectClaim: cfg.JWT.SubjectClaim,
			TierClaim:    cfg.JWT.TierClaim,
			ScopesClaim:  cfg.JWT.ScopesClaim,
		}
		if cfg.JWT.PublicKeyFile != "" {
			pem, err := os.ReadFile(cfg.JWT.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("reading jwt public key: %w", err)
			}
			jcfg.PublicKeyPEM = pem
		}
		ja, err := jwt.New(jcfg)
		if err != nil {
			return nil, err
		}
		a = ja
	case "basic":
		users := make([]basic.User, 0, len(cfg.Users))
		for _, u := range cfg.Users {
			users = append(users, basic.User{
				Name:         u.Name,
				PasswordHash: u.PasswordHash,
				Identity:     auth.Identity{Subject: u.Name, ServiceTier: u.ServiceTier},
			})
		}
		a = basic.New(users)
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
	return &auth.AuthChain{Authenticators: []auth.Authenticator{a}, DefaultDecision: auth.No}, nil
}

// NewRateLimiter returns the per-tier limiter for cfg, or nil when no limit
// is configured.
func NewRateLimiter(cfg config.RateLimitConfig) auth.RateLimiter {
	if cfg.DefaultRPM <= 0 && len(cfg.Tiers) == 0 {
		return nil
	}
	tiers := make(map[string]auth.TierConfig, len(cfg.Tiers))
	for name, rpm := range cfg.Tiers {
		tiers[name] = auth.TierConfig{RequestsPerMinute: rpm}
	}
	return auth.NewInProcessLimiter(tiers, cfg.DefaultRPM)
}

// RegisterConfiguredSites registers and starts the sites of the
// configuration. Sites with a root directory serve its files; event stream
// sites accept every subscription and WebSocket sites echo. Main sites are
// registered before their sub-sites.
func (s *Server) RegisterConfiguredSites() error {
	sites := make([]*api.Site, 0, len(s.cfg.Sites))
	for i, sc := range s.cfg.Sites {
		st, err := s.cfg.Site(sc)
		if err != nil {
			return fmt.Errorf("sites[%d]: %w", i, err)
		}
		if sc.Root != "" {
			st.Handler = FileHandler(sc.Root)
			st.ModTime = FileModTime(sc.Root)
		}
		if st.EventStream {
			st.StreamHandler = AcceptStreams()
		}
		if st.WebSockets {
			st.ChannelHandler = EchoChannel()
		}
		sites = append(sites, st)
	}
	sort.SliceStable(sites, func(i, j int) bool {
		return !sites[i].IsSubSite() && sites[j].IsSubSite()
	})

	for _, st := range sites {
		if err := s.sites.Register(st); err != nil {
			return fmt.Errorf("registering site %s: %w", st.Name, err)
		}
		st.Start()
	}
	return nil
}
