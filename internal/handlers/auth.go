package handlers

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/drivepool/backend/internal/config"
	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/middleware"
	"github.com/drivepool/backend/internal/models"
)

// loginThrottle counts failed logins per client address and locks an
// address out for a window once it burns through its budget. State is
// in-process only, same as the API rate limiter.
type loginThrottle struct {
	mu       sync.Mutex
	attempts map[string]*loginRecord
	max      int
	window   time.Duration
}

type loginRecord struct {
	failures int
	lastTry  time.Time
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	return &loginThrottle{
		attempts: map[string]*loginRecord{},
		max:      max,
		window:   window,
	}
}

// blocked reports whether addr is locked out, and for how many more minutes
func (t *loginThrottle) blocked(addr string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[addr]
	if !ok {
		return false, 0
	}
	if time.Since(rec.lastTry) > t.window {
		// quiet long enough, forget the address
		delete(t.attempts, addr)
		return false, 0
	}
	if rec.failures >= t.max {
		left := t.window - time.Since(rec.lastTry)
		return true, int(left.Minutes()) + 1
	}
	return false, 0
}

// fail books one failure for addr and returns how many attempts remain
func (t *loginThrottle) fail(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[addr]
	if !ok {
		rec = &loginRecord{}
		t.attempts[addr] = rec
	}
	rec.failures++
	rec.lastTry = time.Now()
	return t.max - rec.failures
}

func (t *loginThrottle) clear(addr string) {
	t.mu.Lock()
	delete(t.attempts, addr)
	t.mu.Unlock()
}

type AuthHandler struct {
	cfg      *config.Config
	throttle *loginThrottle
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	window := time.Duration(cfg.LoginBlockMinutes) * time.Minute
	return &AuthHandler{
		cfg:      cfg,
		throttle: newLoginThrottle(cfg.LoginMaxAttempts, window),
	}
}

type LoginRequest struct {
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	TwoFACode string `json:"two_fa_code"`
}

type LoginResponse struct {
	Success             bool      `json:"success"`
	Message             string    `json:"message,omitempty"`
	Token               string    `json:"token,omitempty"`
	User                *UserInfo `json:"user,omitempty"`
	Requires2FA         bool      `json:"requires_2fa,omitempty"`
	ForcePasswordChange bool      `json:"force_password_change,omitempty"`
}

// UserInfo is the user shape embedded in a successful login response
type UserInfo struct {
	ID                  uint            `json:"id"`
	Username            string          `json:"username"`
	Email               string          `json:"email"`
	FullName            string          `json:"full_name"`
	UserType            models.UserType `json:"user_type"`
	ForcePasswordChange bool            `json:"force_password_change"`
}

// loginFailure books a throttle failure and answers 401 with the
// remaining attempt count appended to msg
func (h *AuthHandler) loginFailure(c *fiber.Ctx, msg string) error {
	if remaining := h.throttle.fail(c.IP()); remaining > 0 {
		msg += ". " + strconv.Itoa(remaining) + " attempts remaining"
	}
	return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{
		Success: false,
		Message: msg,
	})
}

// Login authenticates a dashboard user, enforcing the per-address
// throttle and the user's 2FA setting
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	if blocked, minutes := h.throttle.blocked(c.IP()); blocked {
		return c.Status(fiber.StatusTooManyRequests).JSON(LoginResponse{
			Success: false,
			Message: "Too many failed login attempts. Please try again in " + strconv.Itoa(minutes) + " minutes",
		})
	}

	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(LoginResponse{
			Success: false,
			Message: "Invalid request body",
		})
	}
	if req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(LoginResponse{
			Success: false,
			Message: "Username and password are required",
		})
	}

	var user models.User
	if err := database.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		return h.loginFailure(c, "Invalid username or password")
	}
	if !user.IsActive {
		return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{
			Success: false,
			Message: "Account is disabled",
		})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return h.loginFailure(c, "Invalid username or password")
	}

	if user.TwoFactorEnabled {
		if req.TwoFACode == "" {
			// password checked out, ask the client to come back with a code
			return c.JSON(LoginResponse{
				Success:     false,
				Requires2FA: true,
				Message:     "Two-factor code required",
			})
		}
		if !totp.Validate(req.TwoFACode, user.TwoFactorSecret) {
			return h.loginFailure(c, "Invalid two-factor code")
		}
	}

	h.throttle.clear(c.IP())

	token, err := middleware.GenerateToken(&user, h.cfg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(LoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
	}

	now := time.Now()
	database.DB.Model(&user).Update("last_login_at", now)

	database.DB.Create(&models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		UserType:    user.UserType,
		Action:      models.AuditActionLogin,
		EntityType:  "user",
		EntityID:    user.ID,
		EntityName:  user.Username,
		Description: "User logged in",
		IPAddress:   c.IP(),
		UserAgent:   c.Get("User-Agent"),
	})

	return c.JSON(LoginResponse{
		Success:             true,
		Token:               token,
		ForcePasswordChange: user.ForcePasswordChange,
		User: &UserInfo{
			ID:                  user.ID,
			Username:            user.Username,
			Email:               user.Email,
			FullName:            user.FullName,
			UserType:            user.UserType,
			ForcePasswordChange: user.ForcePasswordChange,
		},
	})
}

// Logout blacklists the caller's token for its remaining lifetime
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if user := middleware.GetCurrentUser(c); user != nil {
		database.DB.Create(&models.AuditLog{
			UserID:      user.ID,
			Username:    user.Username,
			UserType:    user.UserType,
			Action:      models.AuditActionLogout,
			EntityType:  "user",
			EntityID:    user.ID,
			EntityName:  user.Username,
			Description: "User logged out",
			IPAddress:   c.IP(),
			UserAgent:   c.Get("User-Agent"),
		})
	}

	if tokenString, ok := c.Locals("token").(string); ok && tokenString != "" {
		// default to the configured lifetime when the claims are unreadable
		ttl := time.Duration(h.cfg.JWTExpireHours) * time.Hour
		if token, _, err := jwt.NewParser().ParseUnverified(tokenString, &middleware.JWTClaims{}); err == nil {
			if claims, ok := token.Claims.(*middleware.JWTClaims); ok && claims.ExpiresAt != nil {
				if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
					ttl = remaining
				}
			}
		}
		database.BlacklistToken(tokenString, ttl)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Logged out successfully",
	})
}

// Me returns the authenticated user's profile
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"user": fiber.Map{
			"id":                 user.ID,
			"username":           user.Username,
			"email":              user.Email,
			"full_name":          user.FullName,
			"user_type":          user.UserType,
			"two_factor_enabled": user.TwoFactorEnabled,
			"is_active":          user.IsActive,
			"last_login_at":      user.LastLoginAt,
			"created_at":         user.CreatedAt,
		},
	})
}

// ChangePassword rotates the caller's password after checking the current one
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Current password is incorrect",
		})
	}
	if len(req.NewPassword) < 6 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Password must be at least 6 characters",
		})
	}

	hashed, err := HashPassword(req.NewPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to hash password",
		})
	}

	if err := database.DB.Model(user).Updates(map[string]interface{}{
		"password":              hashed,
		"force_password_change": false,
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update password",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Password changed successfully",
	})
}

// RefreshToken issues a fresh token for the authenticated user
func (h *AuthHandler) RefreshToken(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	token, err := middleware.GenerateToken(user, h.cfg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to generate token",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
	})
}

// HashPassword wraps bcrypt with the default cost
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}
