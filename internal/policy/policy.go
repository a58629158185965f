// Package policy decides what happens to mail arriving at an alias.
package policy

import "github.com/shineum/alias-forwarder/internal/account"

// Outcome is the result of evaluating an alias against a sender.
type Outcome int

const (
	// Forward relays the message to the alias owner.
	Forward Outcome = iota
	// BlockSender drops the message because the sender is on the block list.
	BlockSender
	// DiscardDisabled drops the message because the alias is disabled.
	DiscardDisabled
)

func (o Outcome) String() string {
	switch o {
	case Forward:
		return "forward"
	case BlockSender:
		return "block"
	case DiscardDisabled:
		return "discard"
	default:
		return "unknown"
	}
}

// Decision is a policy outcome with a short reason for operators.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Decide evaluates, in order: a disabled alias discards, a blocked sender is
// blocked, anything else is forwarded. The owner's account status is not
// consulted.
func Decide(alias *account.Alias, sender string) Decision {
	if !alias.Enabled {
		return Decision{Outcome: DiscardDisabled, Reason: "alias disabled"}
	}
	if alias.IsBlocked(sender) {
		return Decision{Outcome: BlockSender, Reason: "sender blocked"}
	}
	return Decision{Outcome: Forward}
}
