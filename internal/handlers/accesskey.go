package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
)

type AccessKeyHandler struct {
	alloc   *pool.Allocator
	reclaim *pool.Reclaimer
	ledger  *pool.Ledger
}

func NewAccessKeyHandler(alloc *pool.Allocator, reclaim *pool.Reclaimer, ledger *pool.Ledger) *AccessKeyHandler {
	return &AccessKeyHandler{alloc: alloc, reclaim: reclaim, ledger: ledger}
}

// allocationError maps pool errors to HTTP responses
func allocationError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, pool.ErrInsufficientCapacity):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Insufficient pool capacity for the requested quota",
		})
	case errors.Is(err, pool.ErrOverReclaim):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Cannot reclaim more space than is currently allocated",
		})
	case errors.Is(err, pool.ErrProvisionTimeout):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"success": false,
			"message": "Timed out waiting for newly provisioned accounts to become ready",
		})
	case errors.Is(err, pool.ErrKeyNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Allocation failed: " + err.Error(),
		})
	}
}

// List returns all access keys with their usage
func (h *AccessKeyHandler) List(c *fiber.Ctx) error {
	var keys []models.AccessKey
	if err := database.DB.Order("id ASC").Find(&keys).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch access keys",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    keys,
	})
}

// Get returns a single access key with its allocation edges
func (h *AccessKeyHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid access key ID",
		})
	}

	var key models.AccessKey
	if err := database.DB.First(&key, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	}

	var edges []models.DriveKey
	database.DB.Preload("Drive").Where("access_key_id = ?", key.ID).Order("id ASC").Find(&edges)

	var postCount int64
	database.DB.Model(&models.Post{}).Where("access_key_id = ?", key.ID).Count(&postCount)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"key":        key,
			"edges":      edges,
			"post_count": postCount,
		},
	})
}

// CreateAccessKeyRequest represents create access key request
type CreateAccessKeyRequest struct {
	Label string `json:"label"`
	Limit int64  `json:"limit"` // initial quota in bytes
}

// Create issues a new access key and allocates its initial quota
func (h *AccessKeyHandler) Create(c *fiber.Ctx) error {
	var req CreateAccessKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Quota must not be negative",
		})
	}

	key := models.AccessKey{
		Key:      uuid.New().String(),
		Label:    req.Label,
		IsActive: true,
	}
	if err := database.DB.Create(&key).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create access key",
		})
	}

	if req.Limit > 0 {
		if _, err := h.alloc.Allocate(key.ID, req.Limit); err != nil {
			// Allocation failed, remove the key we just issued
			database.DB.Unscoped().Delete(&key)
			return allocationError(c, err)
		}
	}

	// Reload to pick up the allocated limit
	database.DB.First(&key, key.ID)
	database.InvalidatePoolCache()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Access key created",
		"data":    key,
	})
}

// UpdateQuotaRequest represents a quota change request
type UpdateQuotaRequest struct {
	Limit int64 `json:"limit"` // new total quota in bytes
}

// UpdateQuota grows or shrinks an access key's quota
func (h *AccessKeyHandler) UpdateQuota(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid access key ID",
		})
	}

	var req UpdateQuotaRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Quota must not be negative",
		})
	}

	var key models.AccessKey
	if err := database.DB.First(&key, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	}

	delta := req.Limit - key.Limit
	switch {
	case delta > 0:
		if _, err := h.alloc.Allocate(key.ID, delta); err != nil {
			return allocationError(c, err)
		}
	case delta < 0:
		if err := h.alloc.Deallocate(key.ID, -delta); err != nil {
			return allocationError(c, err)
		}
	default:
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Quota unchanged",
			"data":    key,
		})
	}

	database.DB.First(&key, key.ID)
	database.InvalidatePoolCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Quota updated",
		"data":    key,
	})
}

// Toggle enables or disables an access key
func (h *AccessKeyHandler) Toggle(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid access key ID",
		})
	}

	var key models.AccessKey
	if err := database.DB.First(&key, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	}

	if err := database.DB.Model(&key).Update("is_active", !key.IsActive).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update access key",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Access key status updated",
	})
}

// Delete removes an access key, its stored objects and all allocations
func (h *AccessKeyHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid access key ID",
		})
	}

	var key models.AccessKey
	if err := database.DB.First(&key, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	}

	if err := h.reclaim.DeleteAccessKey(key.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete access key: " + err.Error(),
		})
	}

	database.InvalidatePoolCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Access key deleted",
	})
}

// Usage returns quota and usage for a single access key
func (h *AccessKeyHandler) Usage(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid access key ID",
		})
	}

	limit, usage, err := h.ledger.KeyUsage(uint(id))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"limit": limit,
			"usage": usage,
			"free":  limit - usage,
		},
	})
}
