package controller

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"maildrip/models"
	"maildrip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

type trackingFixture struct {
	db         *gorm.DB
	app        *fiber.App
	sub        models.Subscription
	enrollment models.SequenceEnrollment
	send       models.SendRecord
}

func newTrackingFixture(t *testing.T) *trackingFixture {
	t.Helper()
	db := testDB(t)

	f := &trackingFixture{db: db}

	list := models.List{Name: "Newsletter", Slug: "newsletter", FromName: "The Team", FromEmail: "team@example.com", Status: models.ListActive}
	require.NoError(t, db.Create(&list).Error)

	f.sub = models.Subscription{ListID: list.ID, Email: "ada@example.com", Status: models.SubscriptionActive, SubscribedAt: time.Now().UTC()}
	require.NoError(t, db.Create(&f.sub).Error)

	seq := models.Sequence{ListID: list.ID, Name: "Welcome", Status: models.SequenceActive, TriggerType: models.TriggerOnSubscribe}
	require.NoError(t, db.Create(&seq).Error)

	next := time.Now().UTC().Add(24 * time.Hour)
	f.enrollment = models.SequenceEnrollment{
		SubscriptionID: f.sub.ID,
		SequenceID:     seq.ID,
		Status:         models.EnrollmentActive,
		NextSendAt:     &next,
		EnrolledAt:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(&f.enrollment).Error)

	f.send = models.SendRecord{
		TrackingID:     "tid-abc",
		EnrollmentID:   utils.Pointer(f.enrollment.ID),
		SubscriptionID: utils.Pointer(f.sub.ID),
		Email:          f.sub.Email,
		Subject:        "Welcome",
		SentAt:         time.Now().UTC(),
	}
	require.NoError(t, db.Create(&f.send).Error)

	enrollments := utils.NewEnrollmentService(db, testLogger(), 10)
	tc := NewTrackingController(db, testLogger(), enrollments)

	f.app = fiber.New()
	f.app.Get("/t/open", tc.HandleOpen)
	f.app.Get("/t/click", tc.HandleClick)
	f.app.Get("/unsubscribe", tc.HandleUnsubscribe)
	return f
}

func TestHandleOpenRecordsFirstOpen(t *testing.T) {
	f := newTrackingFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("GET", "/t/open?sid=tid-abc", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "gif")

	body, _ := io.ReadAll(resp.Body)
	assert.NotEmpty(t, body)

	var send models.SendRecord
	require.NoError(t, f.db.First(&send, f.send.ID).Error)
	require.NotNil(t, send.OpenedAt)
	firstOpen := *send.OpenedAt

	// A second open keeps the original timestamp
	time.Sleep(10 * time.Millisecond)
	_, err = f.app.Test(httptest.NewRequest("GET", "/t/open?sid=tid-abc", nil))
	require.NoError(t, err)

	require.NoError(t, f.db.First(&send, f.send.ID).Error)
	assert.WithinDuration(t, firstOpen, *send.OpenedAt, time.Millisecond)
}

func TestHandleOpenUnknownIDStillServesPixel(t *testing.T) {
	f := newTrackingFixture(t)

	for _, path := range []string{"/t/open?sid=nope", "/t/open"} {
		resp, err := f.app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "gif")
	}
}

func TestHandleClickRecordsAndRedirects(t *testing.T) {
	f := newTrackingFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("GET",
		"/t/click?sid=tid-abc&url=https%3A%2F%2Fexample.com%2Fdocs", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com/docs", resp.Header.Get("Location"))

	var send models.SendRecord
	require.NoError(t, f.db.First(&send, f.send.ID).Error)
	assert.NotNil(t, send.ClickedAt)

	var events int64
	f.db.Model(&models.ClickEvent{}).Where("send_record_id = ?", f.send.ID).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestHandleClickEveryClickGetsAnEvent(t *testing.T) {
	f := newTrackingFixture(t)

	for i := 0; i < 2; i++ {
		_, err := f.app.Test(httptest.NewRequest("GET",
			"/t/click?sid=tid-abc&url=https%3A%2F%2Fexample.com", nil))
		require.NoError(t, err)
	}

	var events int64
	f.db.Model(&models.ClickEvent{}).Where("send_record_id = ?", f.send.ID).Count(&events)
	assert.Equal(t, int64(2), events)
}

func TestHandleClickUnknownIDStillRedirects(t *testing.T) {
	f := newTrackingFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("GET",
		"/t/click?sid=nope&url=https%3A%2F%2Fexample.com", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com", resp.Header.Get("Location"))

	// Missing target falls back to the site root
	resp, err = f.app.Test(httptest.NewRequest("GET", "/t/click?sid=nope", nil))
	require.NoError(t, err)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestHandleUnsubscribe(t *testing.T) {
	f := newTrackingFixture(t)

	resp, err := f.app.Test(httptest.NewRequest("GET", "/unsubscribe?sid=tid-abc", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "unsubscribed")

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, f.sub.ID).Error)
	assert.Equal(t, models.SubscriptionUnsubscribed, sub.Status)
	assert.NotNil(t, sub.UnsubscribedAt)

	var enrollment models.SequenceEnrollment
	require.NoError(t, f.db.First(&enrollment, f.enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentCancelled, enrollment.Status)
	assert.Nil(t, enrollment.NextSendAt)

	var markers int64
	f.db.Model(&models.Unsubscribe{}).Where("email = ?", f.sub.Email).Count(&markers)
	assert.Equal(t, int64(1), markers)

	// Processing the same link again is a no-op
	_, err = f.app.Test(httptest.NewRequest("GET", "/unsubscribe?sid=tid-abc", nil))
	require.NoError(t, err)
	f.db.Model(&models.Unsubscribe{}).Where("email = ?", f.sub.Email).Count(&markers)
	assert.Equal(t, int64(1), markers)
}

func TestHandleUnsubscribeUnknownIDStillRendersPage(t *testing.T) {
	f := newTrackingFixture(t)

	for _, path := range []string{"/unsubscribe?sid=nope", "/unsubscribe"} {
		resp, err := f.app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "unsubscribed")
	}

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, f.sub.ID).Error)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
}
