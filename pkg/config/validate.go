package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rhuss/sitehost/pkg/api"
)

// Validate checks the configuration for required fields and valid values.
// Every problem is reported, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr %q is not host:port: %w", c.Server.Addr, err))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be trace, debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	if c.Limits.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("limits.max_body_size must be >= 0, got %d", c.Limits.MaxBodySize))
	}
	if c.Limits.MaxBodySize > api.MaxFileBody {
		errs = append(errs, fmt.Errorf("limits.max_body_size must be below 4 GiB, got %d", c.Limits.MaxBodySize))
	}
	if c.Limits.EntityPreload <= 0 {
		errs = append(errs, fmt.Errorf("limits.entity_preload must be > 0, got %d", c.Limits.EntityPreload))
	}
	if c.Limits.MaxStreams < 0 || c.Limits.MaxChannels < 0 {
		errs = append(errs, fmt.Errorf("limits.max_streams and limits.max_channels must be >= 0"))
	}
	if c.Limits.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_workers must be > 0, got %d", c.Limits.MaxWorkers))
	}

	if c.Streaming.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("streaming.heartbeat must be > 0, got %v", c.Streaming.Heartbeat))
	}
	if c.Streaming.StopRetries <= 0 || c.Streaming.StopInterval <= 0 {
		errs = append(errs, fmt.Errorf("streaming.stop_retries and streaming.stop_interval must be > 0"))
	}
	if c.Streaming.SubscribeRate < 0 || c.Streaming.SubscribeBurst < 0 {
		errs = append(errs, fmt.Errorf("streaming.subscribe_rate and streaming.subscribe_burst must be >= 0"))
	}
	if c.Streaming.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("streaming.write_timeout must be >= 0, got %v", c.Streaming.WriteTimeout))
	}

	if err := c.Headers.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("headers: %w", err))
	}

	switch c.Auth.Type {
	case "none", "":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys is required when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" || k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d] needs key and subject", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" && c.Auth.JWT.PublicKeyFile == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.secret or auth.jwt.public_key_file is required when auth.type is \"jwt\""))
		}
	case "basic":
		if len(c.Auth.Users) == 0 {
			errs = append(errs, fmt.Errorf("auth.users is required when auth.type is \"basic\""))
		}
		for i, u := range c.Auth.Users {
			if u.Name == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("auth.users[%d] needs name and password_hash", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", \"jwt\" or \"basic\", got %q", c.Auth.Type))
	}

	seen := make(map[string]bool)
	for i, s := range c.Sites {
		site, err := c.Site(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("sites[%d]: %w", i, err))
			continue
		}
		key := site.Key()
		if seen[key] {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate site %s", i, key))
		}
		seen[key] = true
	}
	for i, s := range c.Sites {
		if s.Main == "" {
			continue
		}
		site, err := c.Site(s)
		if err != nil {
			continue
		}
		if !seen[fmt.Sprintf("%d%s", site.Port, site.MainBaseURL)] {
			errs = append(errs, fmt.Errorf("sites[%d]: main site %q is not configured on port %d", i, s.Main, site.Port))
		}
	}

	if c.Observability.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Observability.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Errorf("observability.metrics.addr %q is not host:port: %w", c.Observability.Metrics.Addr, err))
		}
	}

	return errors.Join(errs...)
}
