package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"

	"github.com/parleyhq/parley/internal/protocol"
)

const sessionCookie = "parley_session"

// csrfTokens maps session ids to their anti-forgery tokens. Sessions are
// process-local: a restart invalidates everything, which just forces clients
// through one extra token fetch.
type csrfTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newCSRFTokens() *csrfTokens {
	return &csrfTokens{tokens: make(map[string]string)}
}

func (c *csrfTokens) issue(session string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[session]; ok {
		return tok
	}
	tok := randomHex(32)
	c.tokens[session] = tok
	return tok
}

func (c *csrfTokens) valid(session, token string) bool {
	if session == "" || token == "" {
		return false
	}
	c.mu.Lock()
	expected, ok := c.tokens[session]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// CSRFTokenResponse is returned by GET /v1/csrf.
type CSRFTokenResponse struct {
	Token string `json:"token"`
}

// handleCSRFToken mints (or returns) the session's anti-forgery token and
// establishes the session cookie when absent.
func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	session := s.sessionID(r)
	if session == "" {
		session = randomHex(16)
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    session,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	respondJSON(w, http.StatusOK, CSRFTokenResponse{Token: s.tokens.issue(session)})
}

// csrfGuard is middleware that validates the anti-forgery header on mutating
// requests. Enforcement is configurable; when disabled the header is ignored
// entirely so clients may proceed without a token.
func (s *Server) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.CSRFEnforce {
			next.ServeHTTP(w, r)
			return
		}

		session := s.sessionID(r)
		token := r.Header.Get(protocol.CSRFHeader)
		if !s.tokens.valid(session, token) {
			s.writeError(w, http.StatusForbidden, "invalid or missing anti-forgery token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
