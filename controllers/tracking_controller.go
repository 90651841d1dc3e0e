package controller

import (
	"errors"
	"time"

	"maildrip/models"
	"maildrip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TrackingController handles the endpoints reached from inside delivered
// emails. These are hit by untrusted clients and link scanners, so a
// missing or invalid send id is always a soft no-op: the pixel, redirect
// or confirmation page is served regardless.
type TrackingController struct {
	DB          *gorm.DB
	Logger      *logrus.Entry
	Enrollments *utils.EnrollmentService
}

func NewTrackingController(db *gorm.DB, logger *logrus.Entry, enrollments *utils.EnrollmentService) *TrackingController {
	return &TrackingController{
		DB:          db,
		Logger:      logger,
		Enrollments: enrollments,
	}
}

// HandleOpen records the first open of a send and always returns the
// pixel, never leaking whether the id was valid.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	trackingID := c.Query("sid")
	if trackingID != "" {
		res := tc.DB.Model(&models.SendRecord{}).
			Where("tracking_id = ? AND opened_at IS NULL", trackingID).
			Update("opened_at", time.Now().UTC())
		if res.Error != nil {
			tc.Logger.WithError(res.Error).WithField("tracking_id", trackingID).
				Error("Failed to record open")
		}
	}

	c.Set("Cache-Control", "no-store, max-age=0")
	return c.Type("gif").Send(transparentPixel())
}

// HandleClick records the first click of a send, appends a click event and
// redirects to the target whether or not tracking succeeded.
func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	trackingID := c.Query("sid")
	targetURL := c.Query("url")
	if targetURL == "" {
		targetURL = "/"
	}

	if trackingID != "" {
		var send models.SendRecord
		err := tc.DB.Where("tracking_id = ?", trackingID).First(&send).Error
		switch {
		case err == nil:
			tc.DB.Model(&models.SendRecord{}).
				Where("id = ? AND clicked_at IS NULL", send.ID).
				Update("clicked_at", time.Now().UTC())
			tc.DB.Create(&models.ClickEvent{
				SendRecordID: send.ID,
				URL:          targetURL,
				ClickedAt:    time.Now().UTC(),
			})
		case !errors.Is(err, gorm.ErrRecordNotFound):
			tc.Logger.WithError(err).WithField("tracking_id", trackingID).
				Error("Failed to record click")
		}
	}

	return c.Redirect(targetURL, fiber.StatusFound)
}

// HandleUnsubscribe deactivates the subscription behind a send and sets
// the recipient's global opt-out marker. The confirmation page renders
// even when the id is missing or already processed.
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	trackingID := c.Query("sid")
	if trackingID != "" {
		tc.processUnsubscribe(trackingID, c.IP(), c.Get("User-Agent"))
	}

	c.Set("Content-Type", fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(unsubscribeConfirmationHTML)
}

func (tc *TrackingController) processUnsubscribe(trackingID, ip, userAgent string) {
	var send models.SendRecord
	if err := tc.DB.Where("tracking_id = ?", trackingID).First(&send).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			tc.Logger.WithError(err).WithField("tracking_id", trackingID).
				Error("Failed to resolve send record for unsubscribe")
		}
		return
	}

	if send.SubscriptionID != nil {
		res := tc.DB.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", *send.SubscriptionID, models.SubscriptionActive).
			Updates(map[string]interface{}{
				"status":          models.SubscriptionUnsubscribed,
				"unsubscribed_at": time.Now().UTC(),
			})
		if res.Error != nil {
			tc.Logger.WithError(res.Error).WithField("subscription_id", *send.SubscriptionID).
				Error("Failed to unsubscribe subscription")
			return
		}
		if res.RowsAffected > 0 {
			if err := tc.Enrollments.CancelForSubscription(*send.SubscriptionID); err != nil {
				tc.Logger.WithError(err).WithField("subscription_id", *send.SubscriptionID).
					Error("Failed to cancel enrollments on unsubscribe")
			}
		}
	}

	// Global marker is written once per (address, send)
	var existing models.Unsubscribe
	err := tc.DB.Where("email = ? AND send_record_id = ?", send.Email, send.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tc.DB.Create(&models.Unsubscribe{
			Email:        send.Email,
			SendRecordID: utils.Pointer(send.ID),
			Reason:       "link",
			IPAddress:    ip,
			UserAgent:    userAgent,
		})
	}

	tc.Logger.WithFields(logrus.Fields{
		"tracking_id": trackingID,
		"recipient":   send.Email,
	}).Info("Unsubscribe processed")
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}

const unsubscribeConfirmationHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Unsubscribed</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 40px 20px; text-align: center; }
        h2 { color: #2c3e50; }
    </style>
</head>
<body>
    <h2>You have been unsubscribed</h2>
    <p>You will no longer receive emails from this list.</p>
    <p>If this was a mistake, subscribing again will re-activate your subscription.</p>
</body>
</html>`
