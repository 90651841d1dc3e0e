package models

import (
	"time"

	"gorm.io/gorm"
)

// SendRecord is an immutable log of one dispatch that succeeded at the
// gateway. Only the tracking collector ever touches OpenedAt/ClickedAt,
// and only with first-write-wins semantics.
type SendRecord struct {
	gorm.Model
	// Opaque identifier embedded in tracking and unsubscribe URLs
	TrackingID string `gorm:"not null;uniqueIndex" json:"tracking_id"`

	EnrollmentID   *uint `gorm:"index" json:"enrollment_id,omitempty"`
	StepID         *uint `gorm:"index" json:"step_id,omitempty"`
	SubscriptionID *uint `gorm:"index" json:"subscription_id,omitempty"`

	Email   string `gorm:"not null;index" json:"email"`
	Subject string `json:"subject"`

	ProviderMessageID string    `json:"provider_message_id"`
	SentAt            time.Time `gorm:"not null" json:"sent_at"`

	// One-way timestamps, first write wins
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`

	// Relations
	ClickEvents []ClickEvent `gorm:"foreignKey:SendRecordID" json:"click_events,omitempty"`
}

// ClickEvent records one tracked link click against a send
type ClickEvent struct {
	gorm.Model
	SendRecordID uint      `gorm:"not null;index" json:"send_record_id"`
	URL          string    `gorm:"not null" json:"url"`
	ClickedAt    time.Time `gorm:"not null" json:"clicked_at"`
}

// Layout is a reusable HTML wrapper applied around rendered message bodies.
// Its content uses {{content}}, {{sender_name}}, {{subject}} and
// {{unsubscribe_url}} placeholders.
type Layout struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	IsDefault   bool   `gorm:"default:false" json:"is_default"`
}
