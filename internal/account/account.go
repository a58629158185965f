// Package account holds the alias, user and metric records the forwarder
// reads from the store. They are owned by the account system; the forwarder
// only ever increments metrics.
package account

import (
	"strings"
	"time"
)

// Alias is a forwarding address owned by a user.
type Alias struct {
	ID             string          `json:"id" yaml:"id" gorm:"primaryKey;type:varchar(36)"`
	Address        string          `json:"address" yaml:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	UserID         string          `json:"userId" yaml:"user_id" gorm:"type:varchar(36);index;not null"`
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	BlockedSenders []BlockedSender `json:"blockedSenders,omitempty" yaml:"blocked_senders" gorm:"foreignKey:AliasID"`
	CreatedAt      time.Time       `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time       `json:"updatedAt" yaml:"-"`
}

// IsBlocked reports whether sender is on the alias block list. The comparison
// ignores case.
func (a *Alias) IsBlocked(sender string) bool {
	sender = strings.TrimSpace(sender)
	for _, b := range a.BlockedSenders {
		if strings.EqualFold(strings.TrimSpace(b.Address), sender) {
			return true
		}
	}
	return false
}

// BlockedSender is one entry of an alias block list.
type BlockedSender struct {
	ID      uint   `json:"-" yaml:"-" gorm:"primaryKey;autoIncrement"`
	AliasID string `json:"-" yaml:"-" gorm:"type:varchar(36);uniqueIndex:idx_blocked_alias_address;not null"`
	Address string `json:"address" yaml:"address" gorm:"type:varchar(255);uniqueIndex:idx_blocked_alias_address;not null"`
}

// Status is the account state of a user. The forwarder does not gate on it.
type Status string

const (
	StatusTrial   Status = "trial"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// User owns aliases and receives the forwarded mail.
type User struct {
	ID           string          `json:"id" yaml:"id" gorm:"primaryKey;type:varchar(36)"`
	Email        string          `json:"email" yaml:"email" gorm:"type:varchar(255);not null"`
	Status       Status          `json:"status" yaml:"status" gorm:"type:varchar(32)"`
	FeatureFlags map[string]bool `json:"featureFlags,omitempty" yaml:"feature_flags" gorm:"type:text;serializer:json"`
	CreatedAt    time.Time       `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time       `json:"updatedAt" yaml:"-"`
}

// MetricKind names an EmailMetric counter.
type MetricKind string

const (
	MetricForwarded MetricKind = "forwarded"
	MetricBlocked   MetricKind = "blocked"
)

// Valid reports whether k is a known counter.
func (k MetricKind) Valid() bool {
	return k == MetricForwarded || k == MetricBlocked
}

// EmailMetric holds the per-alias delivery counters. Counters only grow.
type EmailMetric struct {
	AliasID   string    `json:"aliasId" gorm:"primaryKey;type:varchar(36)"`
	Forwarded int64     `json:"forwarded" gorm:"not null;default:0"`
	Blocked   int64     `json:"blocked" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (EmailMetric) TableName() string {
	return "email_metrics"
}
