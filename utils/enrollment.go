package utils

import (
	"errors"
	"fmt"
	"time"

	"maildrip/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrSequenceNotActive     = errors.New("sequence is not active")
	ErrSubscriptionNotActive = errors.New("subscription is not active")
	ErrSequenceEmpty         = errors.New("sequence has no steps")
	ErrNotReactivatable      = errors.New("enrollment is not completed or cancelled")

	// ErrStaleEnrollment means the enrollment changed underneath us
	// (typically a concurrent cancel) and the write was discarded.
	ErrStaleEnrollment = errors.New("enrollment modified concurrently")
)

// EnrollmentService owns every transition of the enrollment state machine.
// The scheduler is the only caller of Advance/MarkFailure; Enroll, Cancel
// and Reactivate are invoked from the API boundary.
type EnrollmentService struct {
	DB          *gorm.DB
	Logger      *logrus.Entry
	MaxFailures int
}

func NewEnrollmentService(db *gorm.DB, logger *logrus.Entry, maxFailures int) *EnrollmentService {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	return &EnrollmentService{
		DB:          db,
		Logger:      logger,
		MaxFailures: maxFailures,
	}
}

// Enroll creates an active enrollment at step 0 with NextSendAt computed
// from step 1's delay. Calling it again for a pair that already has an
// active enrollment is a no-op returning the existing one, so duplicate
// trigger calls are harmless.
func (s *EnrollmentService) Enroll(subscriptionID, sequenceID uint) (*models.SequenceEnrollment, error) {
	var seq models.Sequence
	if err := s.DB.First(&seq, sequenceID).Error; err != nil {
		return nil, fmt.Errorf("sequence %d: %w", sequenceID, err)
	}
	if seq.Status != models.SequenceActive {
		return nil, ErrSequenceNotActive
	}

	var sub models.Subscription
	if err := s.DB.First(&sub, subscriptionID).Error; err != nil {
		return nil, fmt.Errorf("subscription %d: %w", subscriptionID, err)
	}
	if sub.Status != models.SubscriptionActive {
		return nil, ErrSubscriptionNotActive
	}

	var existing models.SequenceEnrollment
	err := s.DB.Where("subscription_id = ? AND sequence_id = ? AND status = ?",
		subscriptionID, sequenceID, models.EnrollmentActive).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	first, err := s.stepAt(sequenceID, 1)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, ErrSequenceEmpty
	}

	now := time.Now().UTC()
	next := NextSendTime(first, now, now)
	enrollment := models.SequenceEnrollment{
		SubscriptionID: subscriptionID,
		SequenceID:     sequenceID,
		Status:         models.EnrollmentActive,
		CurrentStep:    0,
		NextSendAt:     &next,
		EnrolledAt:     now,
	}
	if err := s.DB.Create(&enrollment).Error; err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"sequence_id":   sequenceID,
		"recipient":     sub.Email,
		"next_send_at":  next,
	}).Info("Enrolled subscription into sequence")
	return &enrollment, nil
}

// Cancel moves an active enrollment to cancelled and clears NextSendAt.
// Cancelling an already-terminal enrollment is a no-op.
func (s *EnrollmentService) Cancel(enrollmentID uint) error {
	var enrollment models.SequenceEnrollment
	if err := s.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentActive {
		return nil
	}

	now := time.Now().UTC()
	res := s.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollmentID, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentCancelled,
			"next_send_at": nil,
			"claimed_at":   nil,
			"cancelled_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	s.Logger.WithField("enrollment_id", enrollmentID).Info("Enrollment cancelled")
	return nil
}

// CancelForSubscription cancels every active enrollment a subscription has,
// used when the subscription unsubscribes from its list.
func (s *EnrollmentService) CancelForSubscription(subscriptionID uint) error {
	now := time.Now().UTC()
	return s.DB.Model(&models.SequenceEnrollment{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentCancelled,
			"next_send_at": nil,
			"claimed_at":   nil,
			"cancelled_at": now,
		}).Error
}

// Reactivate re-arms a completed, cancelled or failed enrollment from
// step 0, recomputing NextSendAt from step 1 as if freshly enrolled.
func (s *EnrollmentService) Reactivate(enrollmentID uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	if err := s.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	if enrollment.Status == models.EnrollmentActive {
		return nil, ErrNotReactivatable
	}

	first, err := s.stepAt(enrollment.SequenceID, 1)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, ErrSequenceEmpty
	}

	now := time.Now().UTC()
	next := NextSendTime(first, now, now)
	updates := map[string]interface{}{
		"status":        models.EnrollmentActive,
		"current_step":  0,
		"failure_count": 0,
		"last_error":    "",
		"next_send_at":  next,
		"enrolled_at":   now,
		"completed_at":  nil,
		"cancelled_at":  nil,
		"claimed_at":    nil,
	}
	if err := s.DB.Model(&enrollment).Updates(updates).Error; err != nil {
		return nil, err
	}
	s.Logger.WithField("enrollment_id", enrollmentID).Info("Enrollment reactivated")

	if err := s.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// Advance records that the step at CurrentStep+1 was sent at sentAt. It
// either arms the following step or completes the enrollment. The write is
// guarded on (status, current_step) so a cancel landing between selection
// and advance discards the update instead of resurrecting the enrollment.
func (s *EnrollmentService) Advance(enrollment *models.SequenceEnrollment, sentAt time.Time) error {
	sentStep := enrollment.CurrentStep + 1
	updates := map[string]interface{}{
		"current_step":  sentStep,
		"failure_count": 0,
		"last_error":    "",
		"claimed_at":    nil,
	}

	next, err := s.stepAt(enrollment.SequenceID, sentStep+1)
	if err != nil {
		return err
	}
	if next != nil && next.Status == models.StepActive {
		nextAt := NextSendTime(next, sentAt, sentAt)
		updates["next_send_at"] = nextAt
	} else {
		updates["status"] = models.EnrollmentCompleted
		updates["next_send_at"] = nil
		updates["completed_at"] = sentAt
	}

	res := s.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND current_step = ?",
			enrollment.ID, models.EnrollmentActive, enrollment.CurrentStep).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleEnrollment
	}
	return s.DB.First(enrollment, enrollment.ID).Error
}

// MarkFailure increments the consecutive failure counter, releases the
// scheduler claim so the item stays due, and after MaxFailures consecutive
// failures moves the enrollment to the terminal failed status.
func (s *EnrollmentService) MarkFailure(enrollment *models.SequenceEnrollment, sendErr error) error {
	res := s.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"failure_count": gorm.Expr("failure_count + 1"),
			"last_error":    sendErr.Error(),
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}

	deadLettered := s.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND failure_count >= ?",
			enrollment.ID, models.EnrollmentActive, s.MaxFailures).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentFailed,
			"next_send_at": nil,
		})
	if deadLettered.Error != nil {
		return deadLettered.Error
	}
	if deadLettered.RowsAffected > 0 {
		s.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"max_failures":  s.MaxFailures,
		}).Warn("Enrollment dead-lettered after repeated delivery failures")
	}
	return nil
}

// ActiveEnrollmentCount reports how many enrollments against a sequence are
// still active; sequences with active enrollments cannot be deleted.
func (s *EnrollmentService) ActiveEnrollmentCount(sequenceID uint) (int64, error) {
	var count int64
	err := s.DB.Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND status = ?", sequenceID, models.EnrollmentActive).
		Count(&count).Error
	return count, err
}

func (s *EnrollmentService) stepAt(sequenceID uint, position int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := s.DB.Where("sequence_id = ? AND position = ?", sequenceID, position).First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}
