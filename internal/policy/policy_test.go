package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shineum/alias-forwarder/internal/account"
)

func TestDecide(t *testing.T) {
	blocked := []account.BlockedSender{{Address: "spam@example.com"}}

	tests := []struct {
		name   string
		alias  account.Alias
		sender string
		want   Outcome
	}{
		{"enabled, unknown sender", account.Alias{Enabled: true}, "friend@example.com", Forward},
		{"enabled, blocked sender", account.Alias{Enabled: true, BlockedSenders: blocked}, "spam@example.com", BlockSender},
		{"blocked sender case-insensitive", account.Alias{Enabled: true, BlockedSenders: blocked}, "SPAM@Example.COM", BlockSender},
		{"disabled alias", account.Alias{Enabled: false}, "friend@example.com", DiscardDisabled},
		{"disabled wins over blocked", account.Alias{Enabled: false, BlockedSenders: blocked}, "spam@example.com", DiscardDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(&tt.alias, tt.sender)
			assert.Equal(t, tt.want, got.Outcome)
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "forward", Forward.String())
	assert.Equal(t, "block", BlockSender.String())
	assert.Equal(t, "discard", DiscardDisabled.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
