package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence represents an ordered set of timed message steps owned by one list
type Sequence struct {
	gorm.Model
	ListID uint `gorm:"not null;index" json:"list_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active

	// Determines whether new subscriptions auto-enroll
	TriggerType string `gorm:"default:'on-subscribe'" json:"trigger_type"` // on-subscribe, manual

	// Relations
	List        List                 `json:"-"`
	Steps       []SequenceStep       `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// Sequence statuses and trigger types
const (
	SequenceDraft  = "draft"
	SequenceActive = "active"

	TriggerOnSubscribe = "on-subscribe"
	TriggerManual      = "manual"
)

// SequenceStep is one message within a sequence. Positions are 1-based and
// contiguous; reordering renumbers them atomically.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_sequence_step_position" json:"sequence_id"`
	Position   int  `gorm:"not null;uniqueIndex:idx_sequence_step_position" json:"position"`

	Subject  string `gorm:"not null" json:"subject"`
	HTMLBody string `gorm:"type:text" json:"html_body"`
	TextBody string `gorm:"type:text" json:"text_body"`

	// Delay before this step is sent, relative to the previous send
	// (or to enrollment time for step 1).
	DelayMinutes int `gorm:"not null;default:0" json:"delay_minutes"`

	// Optional wall-clock anchor: when set, the step is sent at this local
	// time of day in Timezone, DelayMinutes/1440 days out.
	SendAtLocalTime string `json:"send_at_local_time"` // "HH:MM", empty = simple delay
	Timezone        string `json:"timezone"`           // IANA zone name

	Status string `gorm:"default:'active'" json:"status"` // active, paused

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`

	// Relations
	Sequence Sequence `json:"-"`
}

// Step statuses
const (
	StepActive = "active"
	StepPaused = "paused"
)

// SequenceEnrollment is one recipient's progress state through one sequence.
// CurrentStep counts the steps successfully sent; NextSendAt is non-null
// iff the enrollment is active.
type SequenceEnrollment struct {
	gorm.Model
	SubscriptionID uint `gorm:"not null;index:idx_enrollment_pair" json:"subscription_id"`
	SequenceID     uint `gorm:"not null;index:idx_enrollment_pair" json:"sequence_id"`

	Status      string     `gorm:"default:'active';index" json:"status"` // active, completed, cancelled, failed
	CurrentStep int        `gorm:"default:0" json:"current_step"`
	NextSendAt  *time.Time `gorm:"index" json:"next_send_at,omitempty"`

	// Advisory claim set by the scheduler while an item is in flight, so an
	// overlapping tick cannot pick up the same enrollment.
	ClaimedAt *time.Time `json:"-"`

	// Consecutive delivery failures; the enrollment goes terminal "failed"
	// once this reaches the configured threshold.
	FailureCount int    `gorm:"default:0" json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	EnrolledAt  time.Time  `json:"enrolled_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Relations
	Subscription Subscription `json:"-"`
	Sequence     Sequence     `json:"-"`
	Sends        []SendRecord `gorm:"foreignKey:EnrollmentID" json:"sends,omitempty"`
}

// Enrollment statuses
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
	EnrollmentFailed    = "failed"
)
