package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DefaultAuthorityURL    = "https://login.microsoftonline.com"
	DefaultGraphURL        = "https://graph.microsoft.com/v1.0"
	DefaultClientSecretEnv = "AZURE_MAIL_APP_CLIENT_SECRET"
	DefaultTenantIDEnv     = "AZURE_MAIL_APP_TENANT_ID"
	DefaultClientIDEnv     = "AZURE_MAIL_APP_CLIENT_ID"
	DefaultSendTimeout     = 30 * time.Second
	DefaultCachePrefix     = "graphmailer"
)

type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

type SendConfig struct {
	Graph                  GraphConfig   `yaml:"graph"`
	Cache                  CacheConfig   `yaml:"cache"`
	AllowStartWithoutGraph bool          `yaml:"allow_start_without_graph,omitempty"`
	Timeout                time.Duration `yaml:"timeout"` // bounds each token exchange and sendMail call
}

// GraphConfig holds the app registration used for the client-credentials grant.
// It is read-only once validated and shared by the token service and the sender.
type GraphConfig struct {
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	ClientSecret    string `yaml:"-"`
	Mailbox         string `yaml:"mailbox,omitempty"` // forces the sending mailbox for relayed mail
	AuthorityURL    string `yaml:"authority_url,omitempty"`
	GraphURL        string `yaml:"graph_url,omitempty"`
	SSLVerify       *bool  `yaml:"ssl_verify,omitempty"`
}

type CacheConfig struct {
	Backend  CacheBackend `yaml:"backend,omitempty"`
	RedisURL string       `yaml:"redis_url,omitempty"`
	Prefix   string       `yaml:"prefix,omitempty"`
}

// Ready reports whether all three credentials are present. No network operation may run otherwise.
func (g GraphConfig) Ready() bool {
	return strings.TrimSpace(g.TenantID) != "" &&
		strings.TrimSpace(g.ClientID) != "" &&
		strings.TrimSpace(g.ClientSecret) != ""
}

// TokenURL returns the v2.0 token endpoint for the configured tenant.
func (g GraphConfig) TokenURL() string {
	authority := g.AuthorityURL
	if authority == "" {
		authority = DefaultAuthorityURL
	}
	return strings.TrimRight(authority, "/") + "/" + url.PathEscape(g.TenantID) + "/oauth2/v2.0/token"
}

// SendMailURL returns the sendMail endpoint scoped to the sender's mailbox.
func (g GraphConfig) SendMailURL(sender string) string {
	base := g.GraphURL
	if base == "" {
		base = DefaultGraphURL
	}
	return strings.TrimRight(base, "/") + "/users/" + url.PathEscape(sender) + "/sendMail"
}

// VerifyTLS resolves the ssl_verify toggle. Unset means verify; disabling it is refused in production.
func (g GraphConfig) VerifyTLS(env Environment) (bool, error) {
	if g.SSLVerify == nil || *g.SSLVerify {
		return true, nil
	}
	if env == "" || env == EnvProduction {
		return true, errors.New("ssl_verify: TLS verification cannot be disabled in production")
	}
	return false, nil
}

// ResolveEnv fills credentials left empty in the file from the process environment.
func (g *GraphConfig) ResolveEnv() {
	if g.TenantID == "" {
		g.TenantID = os.Getenv(DefaultTenantIDEnv)
	}
	if g.ClientID == "" {
		g.ClientID = os.Getenv(DefaultClientIDEnv)
	}
	if g.ClientSecretEnv == "" {
		g.ClientSecretEnv = DefaultClientSecretEnv
	}
	if g.ClientSecret == "" {
		g.ClientSecret = os.Getenv(g.ClientSecretEnv)
	}
	g.TenantID = strings.TrimSpace(g.TenantID)
	g.ClientID = strings.TrimSpace(g.ClientID)
	g.Mailbox = strings.TrimSpace(g.Mailbox)
}

func (s *SendConfig) validate(env Environment) error {
	s.Graph.ResolveEnv()

	if !s.Graph.Ready() && !s.AllowStartWithoutGraph {
		return fmt.Errorf("send.graph: tenant_id, client_id and the secret in $%s must be defined", s.Graph.ClientSecretEnv)
	}
	if s.Graph.Mailbox != "" && !isValidEmail(s.Graph.Mailbox) {
		return fmt.Errorf("send.graph.mailbox: invalid email address '%s'", s.Graph.Mailbox)
	}
	for name, raw := range map[string]string{"authority_url": s.Graph.AuthorityURL, "graph_url": s.Graph.GraphURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("send.graph.%s: invalid URL '%s'", name, raw)
		}
	}
	if _, err := s.Graph.VerifyTLS(env); err != nil {
		return fmt.Errorf("send.graph.%w", err)
	}

	if s.Timeout < 0 {
		return fmt.Errorf("send.timeout: must be a non-negative duration, got %s", s.Timeout.String())
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultSendTimeout
	}

	switch s.Cache.Backend {
	case "":
		s.Cache.Backend = CacheMemory
	case CacheMemory:
	case CacheRedis:
		if s.Cache.RedisURL == "" {
			return errors.New("send.cache.redis_url: must be defined for the 'redis' backend")
		}
		if !strings.HasPrefix(s.Cache.RedisURL, "redis://") && !strings.HasPrefix(s.Cache.RedisURL, "rediss://") {
			return fmt.Errorf("send.cache.redis_url: invalid URL '%s', must start with redis:// or rediss://", s.Cache.RedisURL)
		}
	default:
		return fmt.Errorf("send.cache.backend: invalid backend '%s', must be one of: 'memory' or 'redis'", s.Cache.Backend)
	}
	if s.Cache.Prefix == "" {
		s.Cache.Prefix = DefaultCachePrefix
	}
	return nil
}
