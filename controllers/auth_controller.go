package controller

import (
	"maildrip/config"
	"maildrip/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type AuthController struct {
	Logger *logrus.Entry
}

func NewAuthController(logger *logrus.Entry) *AuthController {
	return &AuthController{Logger: logger}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login authenticates the operator account and returns a bearer token
// for the management API.
func (ac *AuthController) Login(c *fiber.Ctx) error {
	var input loginRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	cfg := config.AppConfig
	if input.Username != cfg.OperatorUsername ||
		bcrypt.CompareHashAndPassword([]byte(cfg.OperatorPasswordHash), []byte(input.Password)) != nil {
		ac.Logger.WithField("username", input.Username).Warn("Failed operator login")
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid credentials", nil)
	}

	token, err := utils.GenerateOperatorToken(input.Username)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate token", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"token": token,
	}))
}
