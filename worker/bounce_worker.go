package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"maildrip/config"
	"maildrip/models"
	"maildrip/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

var bounceSubjectMarkers = []string{
	"mail delivery failed",
	"undeliverable",
	"delivery status notification",
	"returned mail",
	"failure notice",
}

// BounceWorker polls a dedicated mailbox for delivery-status notifications,
// marks the bounced subscriptions and bumps the per-list bounce counter.
// It is a plain counter, nothing more.
type BounceWorker struct {
	DB          *gorm.DB
	Enrollments *utils.EnrollmentService
	Logger      *logrus.Entry
	IMAP        config.IMAPConfig
	Interval    time.Duration
}

func NewBounceWorker(db *gorm.DB, enrollments *utils.EnrollmentService, logger *logrus.Entry,
	imapCfg config.IMAPConfig, interval time.Duration) *BounceWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &BounceWorker{
		DB:          db,
		Enrollments: enrollments,
		Logger:      logger,
		IMAP:        imapCfg,
		Interval:    interval,
	}
}

func (bw *BounceWorker) Start(ctx context.Context) {
	bw.Logger.Info("Bounce worker started")

	ticker := time.NewTicker(bw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.Logger.Info("Bounce worker shutting down")
			return
		case <-ticker.C:
			if err := bw.poll(); err != nil {
				bw.Logger.WithError(err).Error("Bounce mailbox poll failed")
			}
		}
	}
}

func (bw *BounceWorker) poll() error {
	addr := fmt.Sprintf("%s:%d", bw.IMAP.Host, bw.IMAP.Port)
	imapClient, err := client.DialTLS(addr, &tls.Config{ServerName: bw.IMAP.Host})
	if err != nil {
		return fmt.Errorf("connecting to bounce mailbox: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(bw.IMAP.Username, bw.IMAP.Password); err != nil {
		return fmt.Errorf("bounce mailbox login: %w", err)
	}

	if _, err := imapClient.Select("INBOX", false); err != nil {
		return fmt.Errorf("selecting INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("searching for unseen messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset,
			[]imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		bw.handleMessage(msg, section)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("fetching bounce messages: %w", err)
	}

	// Everything fetched counts as processed, bounce or not
	markSeen := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := imapClient.Store(seqset, markSeen, []interface{}{imap.SeenFlag}, nil); err != nil {
		bw.Logger.WithError(err).Warn("Failed to mark bounce messages seen")
	}
	return nil
}

func (bw *BounceWorker) handleMessage(msg *imap.Message, section *imap.BodySectionName) {
	if msg.Envelope == nil || !looksLikeBounce(msg.Envelope.Subject) {
		return
	}

	body := msg.GetBody(section)
	if body == nil {
		return
	}

	recipient := extractFailedRecipient(body, bw.IMAP.Username)
	if recipient == "" {
		bw.Logger.WithField("subject", msg.Envelope.Subject).
			Debug("Bounce notification without an extractable recipient")
		return
	}

	bw.markBounced(recipient)
}

func (bw *BounceWorker) markBounced(email string) {
	var subs []models.Subscription
	if err := bw.DB.Where("email = ? AND status = ?", email, models.SubscriptionActive).
		Find(&subs).Error; err != nil {
		bw.Logger.WithError(err).WithField("recipient", email).
			Error("Failed to look up bounced subscriptions")
		return
	}

	for _, sub := range subs {
		if err := bw.DB.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", sub.ID, models.SubscriptionActive).
			Update("status", models.SubscriptionBounced).Error; err != nil {
			bw.Logger.WithError(err).WithField("subscription_id", sub.ID).
				Error("Failed to mark subscription bounced")
			continue
		}
		bw.DB.Model(&models.List{}).
			Where("id = ?", sub.ListID).
			Update("bounce_count", gorm.Expr("bounce_count + 1"))

		if err := bw.Enrollments.CancelForSubscription(sub.ID); err != nil {
			bw.Logger.WithError(err).WithField("subscription_id", sub.ID).
				Error("Failed to cancel enrollments for bounced subscription")
		}

		bw.Logger.WithFields(logrus.Fields{
			"recipient":       email,
			"subscription_id": sub.ID,
			"list_id":         sub.ListID,
		}).Info("Subscription marked bounced")
	}
}

func looksLikeBounce(subject string) bool {
	lowered := strings.ToLower(subject)
	for _, marker := range bounceSubjectMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// extractFailedRecipient digs the failed address out of a DSN body,
// preferring the structured Final-Recipient / X-Failed-Recipients fields
// over a bare address scan.
func extractFailedRecipient(body io.Reader, selfAddress string) string {
	mr, err := mail.CreateReader(body)
	if err != nil {
		return ""
	}

	if failed := mr.Header.Get("X-Failed-Recipients"); failed != "" {
		if addr := emailPattern.FindString(failed); addr != "" {
			return addr
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		text := string(content)

		for _, line := range strings.Split(text, "\n") {
			lowered := strings.ToLower(line)
			if strings.HasPrefix(lowered, "final-recipient:") || strings.HasPrefix(lowered, "original-recipient:") {
				if addr := emailPattern.FindString(line); addr != "" {
					return addr
				}
			}
		}

		for _, addr := range emailPattern.FindAllString(text, -1) {
			if !strings.EqualFold(addr, selfAddress) {
				return addr
			}
		}
	}
	return ""
}
