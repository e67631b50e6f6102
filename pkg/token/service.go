// Package token acquires and caches the Microsoft Graph access token using the OAuth2
// client-credentials grant.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodieshq/graphmailer/pkg/cache"
	"github.com/goodieshq/graphmailer/pkg/config"
	"github.com/goodieshq/graphmailer/pkg/errs"
	"github.com/goodieshq/graphmailer/pkg/metrics"
	"github.com/goodieshq/graphmailer/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const maxTokenResponse = 1 << 20 // 1MB

// Service hands out a valid bearer token for the configured tenant, fetching a new one
// only when the cached token is absent or expired. It is safe for concurrent use.
type Service struct {
	cfg     config.GraphConfig
	store   cache.Cache[CachedToken]
	client  transport.Doer
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration
	group   singleflight.Group
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimeout bounds a shared token exchange independently of the callers waiting on it.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a token service. A nil store falls back to an in-memory cache and a nil
// client to a verifying HTTP client with the default send timeout.
// The configuration is not checked here; GetToken checks it on every cache miss.
func New(cfg config.GraphConfig, store cache.Cache[CachedToken], client transport.Doer, opts ...Option) *Service {
	if store == nil {
		store = cache.NewMemory[CachedToken](0)
	}
	if client == nil {
		client = transport.NewHTTPClient(config.DefaultSendTimeout, true)
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		client:  client,
		log:     log.Logger,
		now:     time.Now,
		timeout: config.DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "token").Str("tenant_id", cfg.TenantID).Logger()
	return s
}

// GetToken returns a bearer token, from the cache when possible. Every failure is an *errs.Error.
func (s *Service) GetToken(ctx context.Context) (string, error) {
	tok, err := s.token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next GetToken performs a fresh exchange.
func (s *Service) Invalidate(ctx context.Context) error {
	if err := s.store.Delete(ctx, CacheKey); err != nil {
		s.log.Error().Err(err).Msg("Failed to invalidate cached Microsoft Graph token")
		return errs.Unexpected(err)
	}
	s.log.Info().Msg("Invalidated cached Microsoft Graph token")
	return nil
}

func (s *Service) token(ctx context.Context) (tok CachedToken, err error) {
	defer s.recoverPanic(&err)

	if tok, ok := s.cached(ctx); ok {
		metrics.IncTokenLookup(metrics.TokenHit)
		return tok, nil
	}

	// Concurrent misses share one exchange. Each caller waits on its own context only,
	// so one caller's deadline never fails the others.
	ch := s.group.DoChan(CacheKey, func() (any, error) {
		return s.flight(ctx)
	})
	select {
	case <-ctx.Done():
		metrics.IncTokenLookup(metrics.TokenError)
		s.log.Error().Err(ctx.Err()).Msg("Gave up waiting for Microsoft Graph token")
		return CachedToken{}, errs.Network("network error fetching Graph token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			metrics.IncTokenLookup(metrics.TokenError)
			return CachedToken{}, res.Err
		}
		if res.Shared {
			s.log.Debug().Msg("Joined in-flight Microsoft Graph token request")
		}
		metrics.IncTokenLookup(metrics.TokenFetched)
		return res.Val.(CachedToken), nil
	}
}

// flight runs detached from the caller that started it and is bounded by s.timeout.
// It re-checks the cache because a previous flight may have stored a token after our lookup.
func (s *Service) flight(ctx context.Context) (tok CachedToken, err error) {
	defer s.recoverPanic(&err)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if tok, ok := s.lookup(ctx); ok {
		return tok, nil
	}
	return s.fetch(ctx)
}

// recoverPanic must be deferred directly. A panic escaping a DoChan flight kills the
// process, so the flight recovers on its own as well as the caller.
func (s *Service) recoverPanic(err *error) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Msg("Unexpected error fetching Microsoft Graph token")
		*err = errs.Unexpected(fmt.Errorf("panic: %v", r))
	}
}

func (s *Service) cached(ctx context.Context) (CachedToken, bool) {
	s.log.Info().Msg("Checking for cached Microsoft Graph token")
	tok, ok := s.lookup(ctx)
	if ok {
		s.log.Info().Time("expires_at", tok.ExpiresAt).Msg("Found valid cached Microsoft Graph token")
	} else {
		s.log.Info().Msg("No valid cached Microsoft Graph token found")
	}
	return tok, ok
}

// lookup treats a cache read failure as a miss.
func (s *Service) lookup(ctx context.Context) (CachedToken, bool) {
	tok, err := s.store.Get(ctx, CacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.log.Warn().Err(err).Msg("Failed to read cached Microsoft Graph token")
		}
		return CachedToken{}, false
	}
	return tok, tok.Valid(s.now())
}

func (s *Service) fetch(ctx context.Context) (CachedToken, error) {
	if !s.cfg.Ready() {
		s.log.Error().Msg("Microsoft Graph credentials are not configured")
		return CachedToken{}, errs.Configuration("tenant_id, client_id and client_secret must be configured")
	}

	s.log.Info().Msg("Fetching Microsoft Graph token")

	form := url.Values{}
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build Microsoft Graph token request")
		return CachedToken{}, errs.Unexpected(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error().Err(err).Msg("Network error fetching Microsoft Graph token")
		return CachedToken{}, errs.Network("network error fetching Graph token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		s.log.Error().Err(err).Int("status", resp.StatusCode).Msg("Network error reading Microsoft Graph token response")
		return CachedToken{}, errs.Network("network error reading Graph token response", err)
	}
	s.log.Info().Int("status", resp.StatusCode).Msg("Microsoft Graph token response received")

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		s.log.Error().Err(err).Int("status", resp.StatusCode).Str("body", string(body)).Msg("Invalid Microsoft Graph token response format")
		return CachedToken{}, errs.InvalidResponse(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || tr.AccessToken == "" {
		msg := tr.errorMessage()
		s.log.Error().
			Int("status", resp.StatusCode).
			Str("error", msg).
			Str("body", string(body)).
			Msg("Failed to fetch Microsoft Graph token")
		return CachedToken{}, errs.Provider(resp.StatusCode, msg)
	}

	lifetime := tr.lifetime()
	ttl := lifetime - SafetyMargin
	tok := CachedToken{AccessToken: tr.AccessToken, ExpiresAt: s.now().Add(ttl)}

	if ttl <= 0 {
		s.log.Warn().Dur("expires_in", lifetime).Msg("Microsoft Graph token lifetime is within the safety margin, not caching")
		return tok, nil
	}
	// A store outage must not stop mail; the next call exchanges again.
	if err := s.store.Set(ctx, CacheKey, tok, ttl); err != nil {
		s.log.Error().Err(err).Dur("expires_in", lifetime).Msg("Failed to cache Microsoft Graph token, returning it uncached")
		return tok, nil
	}

	s.log.Info().Dur("expires_in", lifetime).Time("expires_at", tok.ExpiresAt).Msg("Obtained and cached Microsoft Graph token")
	return tok, nil
}

// TokenSource adapts the service to golang.org/x/oauth2. The sender authorizes sendMail
// through it, and other Graph clients may share the cached token the same way.
func (s *Service) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, svc: s}
}

type tokenSource struct {
	ctx context.Context
	svc *Service
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.svc.token(ts.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		Expiry:      tok.ExpiresAt,
	}, nil
}
