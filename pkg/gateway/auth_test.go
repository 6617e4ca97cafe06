package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Authorize(t *testing.T) {
	auth := NewAuthHandler("secret")

	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{name: "query token", target: "/ws?token=secret", want: true},
		{name: "bearer token", target: "/ws", header: "Bearer secret", want: true},
		{name: "wrong token", target: "/ws?token=nope", want: false},
		{name: "missing", target: "/ws", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, auth.Authorize(r))
		})
	}
}

func TestAuthHandler_Disabled(t *testing.T) {
	auth := NewAuthHandler("")

	assert.False(t, auth.Enabled())
	assert.True(t, auth.Authorize(httptest.NewRequest("GET", "/ws", nil)))
	assert.Empty(t, auth.ResumeToken("s1"))
	assert.True(t, auth.VerifyResumeToken("s1", ""))
}

func TestAuthHandler_ResumeToken(t *testing.T) {
	auth := NewAuthHandler("secret")

	token := auth.ResumeToken("s1")
	assert.Len(t, token, 64)
	assert.True(t, auth.VerifyResumeToken("s1", token))
	assert.False(t, auth.VerifyResumeToken("s2", token))
	assert.False(t, auth.VerifyResumeToken("s1", "deadbeef"))
	assert.NotEqual(t, token, NewAuthHandler("other").ResumeToken("s1"))
}
