package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVerification(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		found    bool
		verified bool
		userName string
	}{
		{
			name:     "flat object",
			payload:  `{"auth_status":"VERIFIED","customer_name":"Sam Jones"}`,
			found:    true,
			verified: true,
			userName: "Sam Jones",
		},
		{
			name:     "status code envelope with string body",
			payload:  `{"statusCode":200,"body":"{\"auth_status\":\"verified\",\"customer_name\":\"Sam\"}"}`,
			found:    true,
			verified: true,
			userName: "Sam",
		},
		{
			name:     "bedrock style envelope",
			payload:  `{"response":{"responseBody":{"TEXT":{"body":"{\"auth_status\":\"FAILED\",\"reason\":\"mismatch\"}"}}}}`,
			found:    true,
			verified: false,
		},
		{
			name:     "content array",
			payload:  `{"content":[{"type":"text","text":"{\"auth_status\":\"VERIFIED\"}"}]}`,
			found:    true,
			verified: true,
		},
		{
			name:     "top level array",
			payload:  `[{"text":"{\"auth_status\":\"VERIFIED\"}"}]`,
			found:    true,
			verified: true,
		},
		{
			name:    "no status",
			payload: `{"balance":100}`,
			found:   false,
		},
		{
			name:    "not json",
			payload: `auth_status VERIFIED`,
			found:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ParseVerification([]byte(tt.payload))
			assert.Equal(t, tt.found, out.Found)
			assert.Equal(t, tt.verified, out.Verified)
			if tt.userName != "" {
				assert.Equal(t, tt.userName, out.UserName)
			}
		})
	}
}

func TestParseVerification_FailureReason(t *testing.T) {
	out := ParseVerification([]byte(`{"body":{"auth_status":"FAILED","reason":"sort code mismatch"}}`))

	assert.True(t, out.Found)
	assert.False(t, out.Verified)
	assert.Equal(t, "FAILED", out.Status)
	assert.Equal(t, "sort code mismatch", out.Reason)
	assert.True(t, out.Patch().IsEmpty())
}

func TestVerificationOutcome_Patch(t *testing.T) {
	out := VerificationOutcome{Found: true, Verified: true, UserName: "Sam", Account: "12345678", SortCode: "112233"}
	patch := out.Patch()

	assert.True(t, *patch.Verified)
	assert.Equal(t, "Sam", *patch.UserName)
	assert.Equal(t, "12345678", *patch.Account)
	assert.Equal(t, "112233", *patch.SortCode)
}
