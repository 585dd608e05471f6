package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// TokenProvider caches the anti-forgery token for one client session. An
// empty token is a valid answer: enforcement is configurable server-side, so
// callers proceed without the header rather than abort.
type TokenProvider struct {
	mu     sync.Mutex
	seed   string // externally supplied token, checked before any fetch
	cached string

	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewTokenProvider creates a provider fetching from baseURL. seed, when
// non-empty, short-circuits fetching entirely.
func NewTokenProvider(baseURL, seed string, httpClient *http.Client, logger *slog.Logger) *TokenProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TokenProvider{
		seed:    seed,
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}
}

// Token returns the best synchronously available token: the seed first, then
// a previously fetched one, else empty.
func (p *TokenProvider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seed != "" {
		return p.seed
	}
	return p.cached
}

// EnsureToken returns the synchronous result when present; otherwise it
// performs one fetch against the token endpoint and caches the result. It
// never fails: any fetch error is logged and yields an empty token.
func (p *TokenProvider) EnsureToken(ctx context.Context) string {
	if tok := p.Token(); tok != "" {
		return tok
	}

	tok, err := p.fetch(ctx)
	if err != nil {
		p.logger.Warn("anti-forgery token fetch failed", "error", err)
		return ""
	}

	p.mu.Lock()
	p.cached = tok
	p.mu.Unlock()
	return tok
}

// Invalidate drops the cached token so the next call fetches a fresh one.
// Used after a 401/403 response.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.cached = ""
	p.mu.Unlock()
}

func (p *TokenProvider) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/csrf", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	return body.Token, nil
}
