package worker

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"maildrip/models"
	"maildrip/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeMailer struct {
	mu      sync.Mutex
	sent    []utils.Email
	failFor map[string]error
}

func (m *fakeMailer) Send(email utils.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failFor[email.To]; ok {
		return "", err
	}
	m.sent = append(m.sent, email)
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

func (m *fakeMailer) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, e := range m.sent {
		out[i] = e.To
	}
	return out
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.List{},
		&models.Subscription{},
		&models.Unsubscribe{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.SendRecord{},
		&models.ClickEvent{},
		&models.Layout{},
	))
	return db
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type workerFixture struct {
	db       *gorm.DB
	mailer   *fakeMailer
	worker   *SequenceWorker
	svc      *utils.EnrollmentService
	list     models.List
	sequence models.Sequence
	steps    []models.SequenceStep
}

func newWorkerFixture(t *testing.T, maxFailures int, delays ...int) *workerFixture {
	t.Helper()
	db := testDB(t)
	mailer := &fakeMailer{failFor: map[string]error{}}
	svc := utils.NewEnrollmentService(db, testLogger(), maxFailures)
	w := NewSequenceWorker(db, mailer, svc, testLogger(), "https://mail.example.com", time.Minute, 50)

	f := &workerFixture{db: db, mailer: mailer, worker: w, svc: svc}

	f.list = models.List{Name: "Newsletter", Slug: "newsletter", FromName: "The Team", FromEmail: "team@example.com", Status: models.ListActive}
	require.NoError(t, db.Create(&f.list).Error)

	f.sequence = models.Sequence{ListID: f.list.ID, Name: "Welcome", Status: models.SequenceActive, TriggerType: models.TriggerOnSubscribe}
	require.NoError(t, db.Create(&f.sequence).Error)

	for i, delay := range delays {
		step := models.SequenceStep{
			SequenceID:   f.sequence.ID,
			Position:     i + 1,
			Subject:      fmt.Sprintf("Step %d for {{first_name}}", i+1),
			HTMLBody:     "<p>Hello {{first_name}}</p>",
			DelayMinutes: delay,
			Status:       models.StepActive,
		}
		require.NoError(t, db.Create(&step).Error)
		f.steps = append(f.steps, step)
	}
	return f
}

func (f *workerFixture) subscribe(t *testing.T, email string) models.Subscription {
	t.Helper()
	sub := models.Subscription{ListID: f.list.ID, Email: email, Name: "Ada Lovelace", Status: models.SubscriptionActive, SubscribedAt: time.Now().UTC()}
	require.NoError(t, f.db.Create(&sub).Error)
	return sub
}

func (f *workerFixture) enroll(t *testing.T, sub models.Subscription) *models.SequenceEnrollment {
	t.Helper()
	enrollment, err := f.svc.Enroll(sub.ID, f.sequence.ID)
	require.NoError(t, err)
	return enrollment
}

func TestProcessDueSendsAndAdvances(t *testing.T) {
	f := newWorkerFixture(t, 10, 0, 1440)
	sub := f.subscribe(t, "ada@example.com")
	enrollment := f.enroll(t, sub)

	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Found)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, []string{"ada@example.com"}, f.mailer.sentTo())
	require.Len(t, result.Items, 1)
	assert.Equal(t, "sent", result.Items[0].Status)
	assert.Equal(t, 1, result.Items[0].StepPosition)

	var got models.SequenceEnrollment
	require.NoError(t, f.db.First(&got, enrollment.ID).Error)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	require.NotNil(t, got.NextSendAt)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *got.NextSendAt, 5*time.Second)
	assert.Nil(t, got.ClaimedAt)

	var send models.SendRecord
	require.NoError(t, f.db.Where("enrollment_id = ?", enrollment.ID).First(&send).Error)
	assert.Equal(t, "Step 1 for Ada", send.Subject)
	assert.Equal(t, "ada@example.com", send.Email)
	assert.NotEmpty(t, send.TrackingID)

	var step models.SequenceStep
	require.NoError(t, f.db.First(&step, f.steps[0].ID).Error)
	assert.Equal(t, 1, step.SentCount)
}

func TestProcessDueCompletesSequence(t *testing.T) {
	f := newWorkerFixture(t, 10, 0, 1440)
	sub := f.subscribe(t, "ada@example.com")
	enrollment := f.enroll(t, sub)

	_, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)

	// Nothing due before step 2's send time
	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Found)

	result, err = f.worker.ProcessDue(time.Now().UTC().Add(25 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	var got models.SequenceEnrollment
	require.NoError(t, f.db.First(&got, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Nil(t, got.NextSendAt)

	var sends int64
	f.db.Model(&models.SendRecord{}).Where("enrollment_id = ?", enrollment.ID).Count(&sends)
	assert.Equal(t, int64(2), sends)
}

func TestProcessDueFailureIsolation(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	good := f.subscribe(t, "good@example.com")
	bad := f.subscribe(t, "bad@example.com")
	f.enroll(t, good)
	badEnrollment := f.enroll(t, bad)
	f.mailer.failFor["bad@example.com"] = errors.New("smtp 451 greylisted")

	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"good@example.com"}, f.mailer.sentTo())

	// The failed enrollment stays due with its schedule untouched
	var got models.SequenceEnrollment
	require.NoError(t, f.db.First(&got, badEnrollment.ID).Error)
	assert.Equal(t, models.EnrollmentActive, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, "smtp 451 greylisted", got.LastError)
	require.NotNil(t, got.NextSendAt)
}

func TestProcessDueDeadLettersAfterMaxFailures(t *testing.T) {
	f := newWorkerFixture(t, 2, 0)
	sub := f.subscribe(t, "ada@example.com")
	enrollment := f.enroll(t, sub)
	f.mailer.failFor["ada@example.com"] = errors.New("mailbox unavailable")

	for i := 0; i < 2; i++ {
		_, err := f.worker.ProcessDue(time.Now().UTC())
		require.NoError(t, err)
	}

	var got models.SequenceEnrollment
	require.NoError(t, f.db.First(&got, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentFailed, got.Status)
	assert.Nil(t, got.NextSendAt)

	// A dead-lettered enrollment is never selected again
	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Found)
}

func TestProcessDueSkipsCancelled(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	sub := f.subscribe(t, "ada@example.com")
	enrollment := f.enroll(t, sub)

	require.NoError(t, f.svc.Cancel(enrollment.ID))

	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Found)
	assert.Empty(t, f.mailer.sentTo())
}

func TestProcessDueSkipsUnsubscribed(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	sub := f.subscribe(t, "ada@example.com")
	f.enroll(t, sub)

	require.NoError(t, f.db.Model(&sub).Update("status", models.SubscriptionUnsubscribed).Error)

	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Found)
}

func TestProcessDueSkipsPausedStep(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	sub := f.subscribe(t, "ada@example.com")
	f.enroll(t, sub)

	require.NoError(t, f.db.Model(&f.steps[0]).Update("status", models.StepPaused).Error)

	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Found)
}

func TestProcessDueRespectsClaims(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	sub := f.subscribe(t, "ada@example.com")
	enrollment := f.enroll(t, sub)

	// Another tick holds a fresh claim on the enrollment
	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", enrollment.ID).
		Update("claimed_at", now).Error)

	result, err := f.worker.ProcessDue(now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Found)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, f.mailer.sentTo())

	// Stale claims are taken over
	stale := now.Add(-10 * time.Minute)
	require.NoError(t, f.db.Model(&models.SequenceEnrollment{}).
		Where("id = ?", enrollment.ID).
		Update("claimed_at", stale).Error)

	result, err = f.worker.ProcessDue(now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestProcessDueHonorsBatchSize(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	f.worker.BatchSize = 2
	for i := 0; i < 3; i++ {
		sub := f.subscribe(t, fmt.Sprintf("sub%d@example.com", i))
		f.enroll(t, sub)
	}

	result, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 2, result.Sent)

	result, err = f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestDiagnosticsHubHistoryAndSubscribe(t *testing.T) {
	hub := NewDiagnosticsHub()
	updates, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < historySize+5; i++ {
		hub.Publish(&TickResult{Found: i})
	}

	history := hub.History()
	require.Len(t, history, historySize)
	assert.Equal(t, 5, history[0].Found)

	select {
	case got := <-updates:
		assert.Equal(t, 0, got.Found)
	default:
		t.Fatal("expected a published tick result")
	}
}

func TestProcessDuePublishesToDiagnostics(t *testing.T) {
	f := newWorkerFixture(t, 10, 0)
	sub := f.subscribe(t, "ada@example.com")
	f.enroll(t, sub)

	_, err := f.worker.ProcessDue(time.Now().UTC())
	require.NoError(t, err)

	history := f.worker.Diagnostics.History()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Sent)
}
