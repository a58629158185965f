// Package flags resolves per-user feature flags.
package flags

import "github.com/shineum/alias-forwarder/internal/account"

// Known flags.
const (
	Logging          = "logging"
	EmailDataLogging = "email_data_logging"
)

// Checker answers flag lookups for a user. A user's own FeatureFlags entry
// wins over the global default.
type Checker struct {
	defaults map[string]bool
}

// NewChecker returns a Checker with the given global defaults. A nil map
// means every flag is off unless a user enables it.
func NewChecker(defaults map[string]bool) *Checker {
	d := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Checker{defaults: d}
}

// IsEnabled reports whether flag is on for user. user may be nil.
func (c *Checker) IsEnabled(flag string, user *account.User) bool {
	if user != nil {
		if v, ok := user.FeatureFlags[flag]; ok {
			return v
		}
	}
	if c == nil {
		return false
	}
	return c.defaults[flag]
}
