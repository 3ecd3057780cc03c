package handlers

import (
	"bytes"
	"encoding/base64"
	"image/png"

	"github.com/gofiber/fiber/v2"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/middleware"
	"github.com/drivepool/backend/internal/models"
)

// totpIssuer is the label authenticator apps show next to the account
const totpIssuer = "DrivePool"

type TwoFAHandler struct{}

func NewTwoFAHandler() *TwoFAHandler {
	return &TwoFAHandler{}
}

// currentUserRow reloads the caller's row, since the middleware copy may
// predate a secret written during setup. On failure the response is
// already written and the second return is false.
func currentUserRow(c *fiber.Ctx) (*models.User, bool) {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
		return nil, false
	}
	var fresh models.User
	if err := database.DB.First(&fresh, user.ID).Error; err != nil {
		c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load user",
		})
		return nil, false
	}
	return &fresh, true
}

// Setup mints a TOTP secret for the caller and returns it with a QR code.
// The secret stays dormant until Verify confirms a code against it.
func (h *TwoFAHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Username,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to generate authenticator secret",
		})
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to render QR code",
		})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to render QR code",
		})
	}

	database.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("two_factor_secret", key.Secret())

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"secret":  key.Secret(),
			"qr_code": "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
			"otpauth": key.URL(),
		},
	})
}

// Verify checks a code against the pending secret and switches 2FA on
func (h *TwoFAHandler) Verify(c *fiber.Ctx) error {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Code is required",
		})
	}

	user, ok := currentUserRow(c)
	if !ok {
		return nil
	}
	if user.TwoFactorSecret == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "No pending secret, run setup first",
		})
	}
	if !totp.Validate(req.Code, user.TwoFactorSecret) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Code did not match, try again",
		})
	}

	database.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("two_factor_enabled", true)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Two-factor authentication enabled",
	})
}

// Disable switches 2FA off after checking both the password and a live code
func (h *TwoFAHandler) Disable(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	user, ok := currentUserRow(c)
	if !ok {
		return nil
	}
	if !user.TwoFactorEnabled {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Two-factor authentication is not enabled",
		})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid password",
		})
	}
	if !totp.Validate(req.Code, user.TwoFactorSecret) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Code did not match",
		})
	}

	database.DB.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"two_factor_enabled": false,
		"two_factor_secret":  "",
	})

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Two-factor authentication disabled",
	})
}

// Status reports whether the caller has 2FA switched on
func (h *TwoFAHandler) Status(c *fiber.Ctx) error {
	user, ok := currentUserRow(c)
	if !ok {
		return nil
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"enabled": user.TwoFactorEnabled,
		},
	})
}
