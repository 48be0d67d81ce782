package telemetry

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
)

// TokenRegistry maps per-session URL-safe tokens to session ids. A token
// is minted on every pty.start and revoked when the session is removed.
type TokenRegistry struct {
	mu       sync.RWMutex
	tokens   map[string]string // token -> sessionID
	sessions map[string]string // sessionID -> token
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		tokens:   make(map[string]string),
		sessions: make(map[string]string),
	}
}

// Mint creates a fresh token bound to the session, replacing any prior
// token for the same session id.
func (r *TokenRegistry) Mint(sessionID string) string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	token := base64.RawURLEncoding.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[sessionID]; ok {
		delete(r.tokens, old)
	}
	r.tokens[token] = sessionID
	r.sessions[sessionID] = token
	return token
}

// Lookup resolves a token to its session id.
func (r *TokenRegistry) Lookup(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.tokens[token]
	return sessionID, ok
}

// Revoke drops the token bound to a session. Idempotent.
func (r *TokenRegistry) Revoke(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.sessions[sessionID]; ok {
		delete(r.tokens, token)
		delete(r.sessions, sessionID)
	}
}
