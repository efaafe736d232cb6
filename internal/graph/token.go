package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// tokenExpirySkew is subtracted from the reported lifetime so a token is
// refreshed before the server actually rejects it.
const tokenExpirySkew = 2 * time.Minute

// Token is an OAuth2 client-credential access token. It is owned by the
// TokenManager; callers receive copies.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes,omitempty"`
}

// Valid reports whether the token can still be attached to a request.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// TokenManager acquires and caches client-credential tokens. At most one
// network grant is in flight at a time; concurrent callers during an
// expired-token window share the result.
type TokenManager struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	current Token

	group singleflight.Group
}

// NewTokenManager creates a token manager and attempts silent reuse from
// the durable cache file before any network round trip.
func NewTokenManager(cfg Config, logger *zap.Logger) *TokenManager {
	tm := &TokenManager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
	tm.loadCache()
	return tm
}

// Token returns a valid access token, performing a client-credential
// grant when the cached token is absent or expired.
func (m *TokenManager) Token(ctx context.Context) (Token, error) {
	m.mu.Lock()
	if m.current.Valid(m.now()) {
		tok := m.current
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("grant", func() (interface{}, error) {
		// Another caller may have completed the grant while this one
		// waited on the flight group.
		m.mu.Lock()
		if m.current.Valid(m.now()) {
			tok := m.current
			m.mu.Unlock()
			return tok, nil
		}
		m.mu.Unlock()

		tok, err := m.acquire(ctx)
		if err != nil {
			return Token{}, err
		}

		m.mu.Lock()
		m.current = tok
		m.mu.Unlock()
		m.saveCache()

		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate discards the cached token so the next call performs a fresh
// grant. Used by the client after a 401.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.current = Token{}
	m.mu.Unlock()
	m.saveCache()
}

type grantResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *TokenManager) acquire(ctx context.Context) (Token, error) {
	m.logger.Info("acquiring new access token", zap.String("client_id", m.cfg.ClientID))

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
		"scope":         {strings.Join(m.cfg.Scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("reading token response: %w", err)
	}

	var grant grantResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return Token{}, fmt.Errorf("decoding token response: %w", err)
	}

	if grant.Error != "" || grant.AccessToken == "" {
		code := grant.Error
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		desc := grant.ErrorDescription
		if desc == "" {
			desc = "no description"
		}
		return Token{}, &AuthError{Code: code, Description: desc}
	}

	m.logger.Info("access token acquired")
	return Token{
		AccessToken: grant.AccessToken,
		ExpiresAt:   m.now().Add(time.Duration(grant.ExpiresIn)*time.Second - tokenExpirySkew),
		Scopes:      m.cfg.Scopes,
	}, nil
}

func (m *TokenManager) tokenURL() string {
	if m.cfg.TokenURL != "" {
		return m.cfg.TokenURL
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token",
		strings.TrimSuffix(m.cfg.Authority, "/"), m.cfg.TenantID)
}

// Cache file: account (client id) -> token state, rewritten whenever the
// in-memory state changes.

func (m *TokenManager) loadCache() {
	if m.cfg.TokenCacheFile == "" {
		return
	}

	data, err := os.ReadFile(m.cfg.TokenCacheFile)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to load token cache", zap.Error(err))
		}
		return
	}

	var cache map[string]Token
	if err := json.Unmarshal(data, &cache); err != nil {
		m.logger.Warn("failed to parse token cache", zap.Error(err))
		return
	}

	if tok, ok := cache[m.cfg.ClientID]; ok {
		m.mu.Lock()
		m.current = tok
		m.mu.Unlock()
		m.logger.Info("token cache loaded")
	}
}

func (m *TokenManager) saveCache() {
	if m.cfg.TokenCacheFile == "" {
		return
	}

	m.mu.Lock()
	cache := map[string]Token{m.cfg.ClientID: m.current}
	m.mu.Unlock()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		m.logger.Warn("failed to serialize token cache", zap.Error(err))
		return
	}

	if err := os.WriteFile(m.cfg.TokenCacheFile, data, 0o600); err != nil {
		m.logger.Warn("failed to save token cache", zap.Error(err))
	}
}
