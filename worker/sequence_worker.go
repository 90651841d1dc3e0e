package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maildrip/models"
	"maildrip/utils"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// A claim older than this is considered abandoned (crashed tick) and may
// be re-claimed.
const staleClaimAfter = 5 * time.Minute

// SequenceWorker drives due enrollments through render -> deliver ->
// advance on a fixed interval. Each item runs in its own failure
// boundary: one bad enrollment never aborts the rest of the batch.
type SequenceWorker struct {
	DB          *gorm.DB
	Mailer      utils.Mailer
	Enrollments *utils.EnrollmentService
	Logger      *logrus.Entry
	Diagnostics *DiagnosticsHub

	BaseURL   string
	Interval  time.Duration
	BatchSize int
}

func NewSequenceWorker(db *gorm.DB, mailer utils.Mailer, enrollments *utils.EnrollmentService,
	logger *logrus.Entry, baseURL string, interval time.Duration, batchSize int) *SequenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SequenceWorker{
		DB:          db,
		Mailer:      mailer,
		Enrollments: enrollments,
		Logger:      logger,
		Diagnostics: NewDiagnosticsHub(),
		BaseURL:     baseURL,
		Interval:    interval,
		BatchSize:   batchSize,
	}
}

func (w *SequenceWorker) Start(ctx context.Context) {
	w.Logger.WithField("interval", w.Interval.String()).Info("Sequence worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("Sequence worker shutting down")
			return
		case <-ticker.C:
			if _, err := w.ProcessDue(time.Now().UTC()); err != nil {
				w.Logger.WithError(err).Error("Scheduler tick failed")
				sentry.CaptureException(err)
			}
		}
	}
}

// ProcessDue runs one scheduler pass: select due enrollments (capped at
// BatchSize), claim each, send its next step and advance. A tick-level
// query error aborts the pass before any enrollment is touched.
func (w *SequenceWorker) ProcessDue(now time.Time) (*TickResult, error) {
	result := &TickResult{RanAt: now}

	var due []models.SequenceEnrollment
	err := w.DB.
		Joins("JOIN subscriptions ON subscriptions.id = sequence_enrollments.subscription_id AND subscriptions.deleted_at IS NULL").
		Joins("JOIN sequence_steps ON sequence_steps.sequence_id = sequence_enrollments.sequence_id AND sequence_steps.position = sequence_enrollments.current_step + 1 AND sequence_steps.deleted_at IS NULL").
		Where("sequence_enrollments.status = ?", models.EnrollmentActive).
		Where("sequence_enrollments.next_send_at <= ?", now).
		Where("sequence_steps.status = ?", models.StepActive).
		Where("subscriptions.status = ?", models.SubscriptionActive).
		Order("sequence_enrollments.next_send_at ASC").
		Limit(w.BatchSize).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("due enrollment query: %w", err)
	}

	result.Found = len(due)
	for i := range due {
		w.processItem(&due[i], now, result)
	}

	w.Diagnostics.Publish(result)
	return result, nil
}

func (w *SequenceWorker) processItem(enrollment *models.SequenceEnrollment, now time.Time, result *TickResult) {
	item := ItemResult{
		EnrollmentID: enrollment.ID,
		StepPosition: enrollment.CurrentStep + 1,
	}
	defer func() {
		result.Items = append(result.Items, item)
	}()

	if !w.claim(enrollment, now) {
		item.Status = "skipped"
		item.Error = "claimed by another tick"
		result.Skipped++
		return
	}

	sub, step, seq, list, err := w.loadItemContext(enrollment)
	if err != nil {
		// Cancellation or pause landed between selection and claim;
		// release and move on without touching the enrollment state
		w.releaseClaim(enrollment.ID)
		item.Status = "skipped"
		item.Error = err.Error()
		result.Skipped++
		return
	}
	item.Recipient = sub.Email

	var layout *models.Layout
	if list.LayoutID != nil {
		var l models.Layout
		if err := w.DB.First(&l, *list.LayoutID).Error; err == nil {
			layout = &l
		}
	}

	trackingID := uuid.New().String()
	rendered := utils.Render(utils.RenderInput{
		Subject:        step.Subject,
		HTMLBody:       step.HTMLBody,
		TextBody:       step.TextBody,
		RecipientEmail: sub.Email,
		RecipientName:  sub.Name,
		TrackingID:     trackingID,
		FromName:       list.FromName,
		FromEmail:      list.FromEmail,
		Layout:         layout,
		BaseURL:        w.BaseURL,
		TrackClicks:    true,
	})

	providerID, err := w.Mailer.Send(utils.Email{
		To:        sub.Email,
		ToName:    sub.Name,
		Subject:   rendered.Subject,
		HTML:      rendered.HTML,
		Text:      rendered.Text,
		FromName:  list.FromName,
		FromEmail: list.FromEmail,
		ReplyTo:   list.ReplyTo,
	})
	if err != nil {
		w.failItem(enrollment, sub.Email, err, &item, result)
		return
	}
	if providerID == "" {
		providerID = trackingID
	}

	sentAt := time.Now().UTC()
	send := models.SendRecord{
		TrackingID:        trackingID,
		EnrollmentID:      utils.Pointer(enrollment.ID),
		StepID:            utils.Pointer(step.ID),
		SubscriptionID:    utils.Pointer(sub.ID),
		Email:             sub.Email,
		Subject:           rendered.Subject,
		ProviderMessageID: providerID,
		SentAt:            sentAt,
	}
	if err := w.DB.Create(&send).Error; err != nil {
		// The message went out but we could not record it; leave the
		// enrollment due so the step is retried (at-least-once)
		w.failItem(enrollment, sub.Email, fmt.Errorf("recording send: %w", err), &item, result)
		return
	}

	w.DB.Model(&models.SequenceStep{}).
		Where("id = ?", step.ID).
		Update("sent_count", gorm.Expr("sent_count + 1"))

	if err := w.Enrollments.Advance(enrollment, sentAt); err != nil {
		if errors.Is(err, utils.ErrStaleEnrollment) {
			w.Logger.WithFields(logrus.Fields{
				"enrollment_id": enrollment.ID,
				"recipient":     sub.Email,
			}).Warn("Enrollment cancelled mid-send, advance discarded")
			item.Status = "skipped"
			item.Error = err.Error()
			result.Skipped++
			return
		}
		w.failItem(enrollment, sub.Email, fmt.Errorf("advancing enrollment: %w", err), &item, result)
		return
	}

	w.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"recipient":     sub.Email,
		"step":          item.StepPosition,
		"sequence_id":   seq.ID,
		"message_id":    providerID,
	}).Info("Sequence step sent")
	item.Status = "sent"
	result.Sent++
}

func (w *SequenceWorker) failItem(enrollment *models.SequenceEnrollment, recipient string, sendErr error, item *ItemResult, result *TickResult) {
	w.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"recipient":     recipient,
	}).WithError(sendErr).Error("Sequence step delivery failed")
	sentry.CaptureException(sendErr)

	if err := w.Enrollments.MarkFailure(enrollment, sendErr); err != nil {
		w.Logger.WithError(err).WithField("enrollment_id", enrollment.ID).
			Error("Failed to record delivery failure")
	}
	item.Status = "failed"
	item.Error = sendErr.Error()
	result.Failed++
}

// claim marks the enrollment as in flight so an overlapping tick cannot
// re-select it. Claims abandoned by a crashed tick expire after
// staleClaimAfter.
func (w *SequenceWorker) claim(enrollment *models.SequenceEnrollment, now time.Time) bool {
	res := w.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at < ?)",
			enrollment.ID, models.EnrollmentActive, now.Add(-staleClaimAfter)).
		Update("claimed_at", now)
	return res.Error == nil && res.RowsAffected > 0
}

func (w *SequenceWorker) releaseClaim(enrollmentID uint) {
	w.DB.Model(&models.SequenceEnrollment{}).
		Where("id = ?", enrollmentID).
		Update("claimed_at", nil)
}

// loadItemContext reloads and re-verifies everything the send needs,
// because the selection query's filters are stale by the time the item is
// processed.
func (w *SequenceWorker) loadItemContext(enrollment *models.SequenceEnrollment) (
	*models.Subscription, *models.SequenceStep, *models.Sequence, *models.List, error) {

	var sub models.Subscription
	if err := w.DB.First(&sub, enrollment.SubscriptionID).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("subscription %d: %w", enrollment.SubscriptionID, err)
	}
	if sub.Status != models.SubscriptionActive {
		return nil, nil, nil, nil, fmt.Errorf("subscription %d is %s", sub.ID, sub.Status)
	}

	var step models.SequenceStep
	err := w.DB.Where("sequence_id = ? AND position = ?", enrollment.SequenceID, enrollment.CurrentStep+1).
		First(&step).Error
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("step %d of sequence %d: %w",
			enrollment.CurrentStep+1, enrollment.SequenceID, err)
	}
	if step.Status != models.StepActive {
		return nil, nil, nil, nil, fmt.Errorf("step %d is paused", step.Position)
	}

	var seq models.Sequence
	if err := w.DB.First(&seq, enrollment.SequenceID).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sequence %d: %w", enrollment.SequenceID, err)
	}

	var list models.List
	if err := w.DB.First(&list, seq.ListID).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("list %d: %w", seq.ListID, err)
	}

	return &sub, &step, &seq, &list, nil
}
