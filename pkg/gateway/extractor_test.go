package gateway

import (
	"testing"

	"github.com/harun/switchboard/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternExtractor(t *testing.T) {
	e := NewPatternExtractor(nil)

	tests := []struct {
		name        string
		text        string
		current     session.Memory
		wantAccount string
		wantSort    string
		wantIntent  string
	}{
		{
			name:        "credentials and intent",
			text:        "I want my balance, account 12345678 sort code 11-22-33",
			wantAccount: "12345678",
			wantSort:    "112233",
			wantIntent:  "I want my balance, account 12345678 sort code 11-22-33",
		},
		{
			name:     "sort code only",
			text:     "it's 11 22 33",
			wantSort: "112233",
		},
		{
			name:        "intent already known",
			text:        "my account is 87654321",
			current:     session.Memory{UserIntent: "check balance"},
			wantAccount: "87654321",
		},
		{
			name: "small talk",
			text: "hello there",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch := e.Extract(tt.text, tt.current)

			if tt.wantAccount == "" {
				assert.Nil(t, patch.PartialAccount)
			} else {
				require.NotNil(t, patch.PartialAccount)
				assert.Equal(t, tt.wantAccount, *patch.PartialAccount)
			}
			if tt.wantSort == "" {
				assert.Nil(t, patch.PartialSortCode)
			} else {
				require.NotNil(t, patch.PartialSortCode)
				assert.Equal(t, tt.wantSort, *patch.PartialSortCode)
			}
			if tt.wantIntent == "" {
				assert.Nil(t, patch.UserIntent)
			} else {
				require.NotNil(t, patch.UserIntent)
				assert.Equal(t, tt.wantIntent, *patch.UserIntent)
			}
			assert.Nil(t, patch.Verified)
		})
	}
}
