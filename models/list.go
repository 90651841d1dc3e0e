package models

import (
	"time"

	"gorm.io/gorm"
)

// List represents a named audience with a single sender identity
type List struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`
	Slug string `gorm:"not null;uniqueIndex" json:"slug"`

	Status string `gorm:"default:'active'" json:"status"` // active, archived

	// Sender identity used for every message sent on behalf of this list
	FromName  string `gorm:"not null" json:"from_name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	ReplyTo   string `json:"reply_to"`

	// Optional sequence new subscribers are auto-enrolled into
	WelcomeSequenceID *uint `json:"welcome_sequence_id,omitempty"`

	// Optional reusable wrapper template for rendered messages
	LayoutID *uint `json:"layout_id,omitempty"`

	// Statistics
	SubscriberCount int `gorm:"default:0" json:"subscriber_count"`
	BounceCount     int `gorm:"default:0" json:"bounce_count"`

	// Relations
	Subscriptions []Subscription `gorm:"foreignKey:ListID" json:"subscriptions,omitempty"`
	Sequences     []Sequence     `gorm:"foreignKey:ListID" json:"sequences,omitempty"`
	Layout        *Layout        `json:"-"`
}

// Subscription binds one recipient to one list. Unique per (email, list).
type Subscription struct {
	gorm.Model
	ListID uint   `gorm:"not null;uniqueIndex:idx_subscription_list_email" json:"list_id"`
	Email  string `gorm:"not null;uniqueIndex:idx_subscription_list_email;index" json:"email"`
	Name   string `json:"name"`

	Status string `gorm:"default:'active'" json:"status"` // active, unsubscribed, bounced

	// Provenance
	Source string `json:"source"` // form, import, api, etc.
	Funnel string `json:"funnel"`

	SubscribedAt   time.Time  `json:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`

	// Relations
	List        List                 `json:"-"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:SubscriptionID" json:"enrollments,omitempty"`
}

// Subscription statuses
const (
	SubscriptionActive       = "active"
	SubscriptionUnsubscribed = "unsubscribed"
	SubscriptionBounced      = "bounced"
)

// List statuses
const (
	ListActive   = "active"
	ListArchived = "archived"
)

// Unsubscribe is the global opt-out marker for a recipient address,
// kept independently of any single subscription.
type Unsubscribe struct {
	gorm.Model
	Email        string `gorm:"not null;index" json:"email"`
	SendRecordID *uint  `json:"send_record_id,omitempty"`

	Reason    string `json:"reason"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}
