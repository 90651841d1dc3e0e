package controller

import (
	"errors"
	"strings"
	"time"

	"maildrip/config"
	"maildrip/models"
	"maildrip/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SubscriptionController struct {
	DB          *gorm.DB
	Logger      *logrus.Entry
	Enrollments *utils.EnrollmentService

	// CheckMX verifies the recipient domain accepts mail. Swappable so
	// handlers can be exercised without live DNS.
	CheckMX func(email string) (bool, error)
}

func NewSubscriptionController(db *gorm.DB, logger *logrus.Entry, enrollments *utils.EnrollmentService) *SubscriptionController {
	return &SubscriptionController{
		DB:          db,
		Logger:      logger,
		Enrollments: enrollments,
		CheckMX:     utils.ValidateMXRecords,
	}
}

type subscribeRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=200"`
	ListSlug string `json:"list_slug"`
	Source   string `json:"source" validate:"max=100"`
	Funnel   string `json:"funnel" validate:"max=100"`
}

// Subscribe creates (or revives) a subscription on a list and, when the
// list carries an on-subscribe welcome sequence, enrolls it.
func (sc *SubscriptionController) Subscribe(c *fiber.Ctx) error {
	var input subscribeRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}
	if ok, err := sc.CheckMX(input.Email); err != nil || !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email domain does not accept mail", err)
	}

	list, err := sc.resolveList(input.ListSlug)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", err)
	}
	if list.Status != models.ListActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "List is archived", nil)
	}

	sub, err := sc.upsertSubscription(list, input)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create subscription", err)
	}

	// Auto-enroll into the welcome sequence; a failure here must not break
	// the subscribe itself
	if list.WelcomeSequenceID != nil {
		var seq models.Sequence
		if err := sc.DB.First(&seq, *list.WelcomeSequenceID).Error; err == nil &&
			seq.Status == models.SequenceActive && seq.TriggerType == models.TriggerOnSubscribe {
			if _, err := sc.Enrollments.Enroll(sub.ID, seq.ID); err != nil {
				sc.Logger.WithError(err).WithFields(logrus.Fields{
					"subscription_id": sub.ID,
					"sequence_id":     seq.ID,
				}).Error("Welcome sequence enrollment failed")
			}
		}
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sub))
}

func (sc *SubscriptionController) resolveList(slug string) (*models.List, error) {
	if slug == "" {
		slug = config.AppConfig.DefaultListSlug
	}
	if slug == "" {
		return nil, errors.New("no list slug given and no default list configured")
	}

	var list models.List
	if err := sc.DB.Where("slug = ?", slug).First(&list).Error; err != nil {
		return nil, err
	}
	return &list, nil
}

func (sc *SubscriptionController) upsertSubscription(list *models.List, input subscribeRequest) (*models.Subscription, error) {
	var sub models.Subscription
	err := sc.DB.Where("list_id = ? AND email = ?", list.ID, input.Email).First(&sub).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = models.Subscription{
			ListID:       list.ID,
			Email:        input.Email,
			Name:         input.Name,
			Status:       models.SubscriptionActive,
			Source:       input.Source,
			Funnel:       input.Funnel,
			SubscribedAt: time.Now().UTC(),
		}
		if err := sc.DB.Create(&sub).Error; err != nil {
			return nil, err
		}
		sc.DB.Model(&models.List{}).Where("id = ?", list.ID).
			Update("subscriber_count", gorm.Expr("subscriber_count + 1"))
		return &sub, nil
	case err != nil:
		return nil, err
	}

	// Re-subscribing an unsubscribed address reactivates it; a bounced one
	// stays bounced until an operator clears it
	if sub.Status == models.SubscriptionUnsubscribed {
		updates := map[string]interface{}{
			"status":          models.SubscriptionActive,
			"subscribed_at":   time.Now().UTC(),
			"unsubscribed_at": nil,
		}
		if err := sc.DB.Model(&sub).Updates(updates).Error; err != nil {
			return nil, err
		}
		sub.Status = models.SubscriptionActive
	}
	return &sub, nil
}

type enrollRequest struct {
	SubscriptionID uint   `json:"subscription_id"`
	Email          string `json:"email" validate:"omitempty,email"`
	ListSlug       string `json:"list_slug"`
	SequenceID     uint   `json:"sequence_id" validate:"required"`
}

// Enroll starts a subscription through a sequence, addressed either by
// subscription id or by email + list slug.
func (sc *SubscriptionController) Enroll(c *fiber.Ctx) error {
	var input enrollRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.SubscriptionID == 0 && input.Email == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest,
			"Either subscription_id or email with list_slug is required", nil)
	}

	subscriptionID := input.SubscriptionID
	if subscriptionID == 0 {
		list, err := sc.resolveList(input.ListSlug)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", err)
		}
		email := strings.ToLower(strings.TrimSpace(input.Email))
		var sub models.Subscription
		if err := sc.DB.Where("list_id = ? AND email = ?", list.ID, email).
			First(&sub).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscription not found", err)
		}
		subscriptionID = sub.ID
	}

	enrollment, err := sc.Enrollments.Enroll(subscriptionID, input.SequenceID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscription or sequence not found", err)
		case errors.Is(err, utils.ErrSequenceNotActive),
			errors.Is(err, utils.ErrSubscriptionNotActive),
			errors.Is(err, utils.ErrSequenceEmpty):
			return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll", err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// CancelEnrollment stops an active enrollment
func (sc *SubscriptionController) CancelEnrollment(c *fiber.Ctx) error {
	enrollmentID := utils.ParseUint(c.Params("id"))
	if err := sc.Enrollments.Cancel(enrollmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", err)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"cancelled": true}))
}

// ReactivateEnrollment re-arms a completed, cancelled or failed enrollment
// from step 0.
func (sc *SubscriptionController) ReactivateEnrollment(c *fiber.Ctx) error {
	enrollmentID := utils.ParseUint(c.Params("id"))
	enrollment, err := sc.Enrollments.Reactivate(enrollmentID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", err)
		case errors.Is(err, utils.ErrNotReactivatable):
			return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reactivate enrollment", err)
		}
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}
