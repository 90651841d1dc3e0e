package controller

import (
	"errors"
	"fmt"

	"maildrip/models"
	"maildrip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB          *gorm.DB
	Logger      *logrus.Entry
	Enrollments *utils.EnrollmentService
}

func NewSequenceController(db *gorm.DB, logger *logrus.Entry, enrollments *utils.EnrollmentService) *SequenceController {
	return &SequenceController{
		DB:          db,
		Logger:      logger,
		Enrollments: enrollments,
	}
}

type createSequenceRequest struct {
	ListID      uint   `json:"list_id" validate:"required"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description"`
	TriggerType string `json:"trigger_type" validate:"omitempty,oneof=on-subscribe manual"`
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input createSequenceRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var list models.List
	if err := sc.DB.First(&list, input.ListID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "List not found", err)
	}

	triggerType := input.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerOnSubscribe
	}

	sequence := models.Sequence{
		ListID:      input.ListID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.SequenceDraft,
		TriggerType: triggerType,
	}
	if err := sc.DB.Create(&sequence).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&sequence, utils.ParseUint(c.Params("id"))).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// ActivateSequence flips a draft sequence live; it must have at least one
// step so enrollments always have a step 1 to schedule from.
func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))

	var sequence models.Sequence
	if err := sc.DB.First(&sequence, sequenceID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	var stepCount int64
	sc.DB.Model(&models.SequenceStep{}).Where("sequence_id = ?", sequenceID).Count(&stepCount)
	if stepCount == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence has no steps", nil)
	}

	if err := sc.DB.Model(&sequence).Update("status", models.SequenceActive).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate sequence", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"status": models.SequenceActive}))
}

// DeleteSequence removes a sequence unless any enrollment against it is
// still active.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))

	var sequence models.Sequence
	if err := sc.DB.First(&sequence, sequenceID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	activeCount, err := sc.Enrollments.ActiveEnrollmentCount(sequenceID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check enrollments", err)
	}
	if activeCount > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict,
			fmt.Sprintf("Sequence has %d active enrollments", activeCount), nil)
	}

	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("sequence_id = ?", sequenceID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(&sequence).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}

type addStepRequest struct {
	Subject         string `json:"subject" validate:"required,max=500"`
	HTMLBody        string `json:"html_body" validate:"required"`
	TextBody        string `json:"text_body"`
	DelayMinutes    int    `json:"delay_minutes" validate:"min=0"`
	SendAtLocalTime string `json:"send_at_local_time"`
	Timezone        string `json:"timezone"`
	Position        int    `json:"position" validate:"min=0"` // 0 = append
}

// AddStep inserts a step, renumbering so positions stay a contiguous
// 1..N range.
func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))

	var input addStepRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var sequence models.Sequence
	if err := sc.DB.First(&sequence, sequenceID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	var step models.SequenceStep
	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		var steps []models.SequenceStep
		if err := tx.Where("sequence_id = ?", sequenceID).Order("position ASC").Find(&steps).Error; err != nil {
			return err
		}

		insertAt := input.Position
		if insertAt <= 0 || insertAt > len(steps)+1 {
			insertAt = len(steps) + 1
		}

		step = models.SequenceStep{
			SequenceID:      sequenceID,
			Position:        len(steps) + 1, // appended first, then moved into place
			Subject:         input.Subject,
			HTMLBody:        input.HTMLBody,
			TextBody:        input.TextBody,
			DelayMinutes:    input.DelayMinutes,
			SendAtLocalTime: input.SendAtLocalTime,
			Timezone:        input.Timezone,
			Status:          models.StepActive,
		}
		if err := tx.Create(&step).Error; err != nil {
			return err
		}

		if insertAt == len(steps)+1 {
			return nil
		}

		ordered := make([]uint, 0, len(steps)+1)
		for _, existing := range steps {
			if existing.Position == insertAt {
				ordered = append(ordered, step.ID)
			}
			ordered = append(ordered, existing.ID)
		}
		return renumberSteps(tx, sequenceID, ordered)
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", err)
	}

	sc.DB.First(&step, step.ID)
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// RemoveStep deletes a step and closes the gap it leaves
func (sc *SequenceController) RemoveStep(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	stepID := utils.ParseUint(c.Params("stepID"))

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		var step models.SequenceStep
		if err := tx.Where("id = ? AND sequence_id = ?", stepID, sequenceID).First(&step).Error; err != nil {
			return err
		}
		// Hard delete so the vacated position is reusable under the
		// unique (sequence_id, position) index
		if err := tx.Unscoped().Delete(&step).Error; err != nil {
			return err
		}

		var remaining []models.SequenceStep
		if err := tx.Where("sequence_id = ?", sequenceID).Order("position ASC").Find(&remaining).Error; err != nil {
			return err
		}
		ordered := make([]uint, len(remaining))
		for i, s := range remaining {
			ordered[i] = s.ID
		}
		return renumberSteps(tx, sequenceID, ordered)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", err)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to remove step", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}

type reorderStepsRequest struct {
	Order []uint `json:"order" validate:"required,min=1"`
}

// ReorderSteps renumbers the sequence's steps to match the given id
// order. The order must be a permutation of the sequence's step ids.
func (sc *SequenceController) ReorderSteps(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))

	var input reorderStepsRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		var steps []models.SequenceStep
		if err := tx.Where("sequence_id = ?", sequenceID).Find(&steps).Error; err != nil {
			return err
		}
		if len(steps) != len(input.Order) {
			return fmt.Errorf("order has %d ids, sequence has %d steps", len(input.Order), len(steps))
		}
		known := make(map[uint]bool, len(steps))
		for _, s := range steps {
			known[s.ID] = true
		}
		for _, id := range input.Order {
			if !known[id] {
				return fmt.Errorf("step %d does not belong to sequence %d", id, sequenceID)
			}
			delete(known, id)
		}
		return renumberSteps(tx, sequenceID, input.Order)
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to reorder steps", err)
	}

	var steps []models.SequenceStep
	sc.DB.Where("sequence_id = ?", sequenceID).Order("position ASC").Find(&steps)
	return c.JSON(utils.SuccessResponse(steps))
}

// PauseStep toggles a step's active/paused status
func (sc *SequenceController) PauseStep(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	stepID := utils.ParseUint(c.Params("stepID"))

	var input struct {
		Status string `json:"status" validate:"required,oneof=active paused"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	res := sc.DB.Model(&models.SequenceStep{}).
		Where("id = ? AND sequence_id = ?", stepID, sequenceID).
		Update("status", input.Status)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update step", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"status": input.Status}))
}

// renumberSteps writes positions 1..N following the given id order. The
// two-pass negative shuffle keeps every intermediate state unique under
// the (sequence_id, position) index.
func renumberSteps(tx *gorm.DB, sequenceID uint, orderedIDs []uint) error {
	for i, id := range orderedIDs {
		if err := tx.Model(&models.SequenceStep{}).
			Where("id = ? AND sequence_id = ?", id, sequenceID).
			Update("position", -(i + 1)).Error; err != nil {
			return err
		}
	}
	for i, id := range orderedIDs {
		if err := tx.Model(&models.SequenceStep{}).
			Where("id = ? AND sequence_id = ?", id, sequenceID).
			Update("position", i+1).Error; err != nil {
			return err
		}
	}
	return nil
}
