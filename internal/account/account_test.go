package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAliasIsBlocked(t *testing.T) {
	alias := &Alias{
		Address: "shop@relay.test",
		BlockedSenders: []BlockedSender{
			{Address: "Spam@Example.com"},
			{Address: " noise@example.com "},
		},
	}

	assert.True(t, alias.IsBlocked("spam@example.com"))
	assert.True(t, alias.IsBlocked("SPAM@EXAMPLE.COM"))
	assert.True(t, alias.IsBlocked("noise@example.com"))
	assert.False(t, alias.IsBlocked("friend@example.com"))
	assert.False(t, (&Alias{}).IsBlocked("spam@example.com"))
}

func TestMetricKindValid(t *testing.T) {
	assert.True(t, MetricForwarded.Valid())
	assert.True(t, MetricBlocked.Valid())
	assert.False(t, MetricKind("rejected").Valid())
}
