package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// AuthHandler checks client credentials and signs resume tokens. An empty
// secret disables both.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Authorize checks the bearer token or token query parameter
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}

	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1
}

// ResumeToken signs a session id
func (a *AuthHandler) ResumeToken(sessionID string) string {
	if !a.Enabled() {
		return ""
	}
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(sessionID))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyResumeToken verifies an HMAC-SHA256 resume token against a session id
func (a *AuthHandler) VerifyResumeToken(sessionID, token string) bool {
	if !a.Enabled() {
		return true
	}
	expected := a.ResumeToken(sessionID)

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
