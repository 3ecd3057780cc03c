package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
)

type QuotaRequestHandler struct {
	alloc *pool.Allocator
}

func NewQuotaRequestHandler(alloc *pool.Allocator) *QuotaRequestHandler {
	return &QuotaRequestHandler{alloc: alloc}
}

// List returns quota requests, optionally filtered by status
func (h *QuotaRequestHandler) List(c *fiber.Ctx) error {
	query := database.DB.Preload("AccessKey").Order("id DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var requests []models.QuotaRequest
	if err := query.Find(&requests).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch quota requests",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    requests,
	})
}

// CreateQuotaRequest represents a new quota change request
type CreateQuotaRequest struct {
	AccessKeyID uint   `json:"access_key_id"`
	Requested   int64  `json:"requested"` // signed delta in bytes
	Note        string `json:"note"`
}

// Create records a pending quota change request
func (h *QuotaRequestHandler) Create(c *fiber.Ctx) error {
	var req CreateQuotaRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Requested == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Requested delta must not be zero",
		})
	}

	var key models.AccessKey
	if err := database.DB.First(&key, req.AccessKeyID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Access key not found",
		})
	}

	request := models.QuotaRequest{
		AccessKeyID: key.ID,
		Requested:   req.Requested,
		Status:      models.QuotaRequestPending,
		Note:        req.Note,
	}
	if err := database.DB.Create(&request).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create quota request",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Quota request created",
		"data":    request,
	})
}

// Approve marks a pending request approved
func (h *QuotaRequestHandler) Approve(c *fiber.Ctx) error {
	return h.transition(c, models.QuotaRequestPending, models.QuotaRequestApproved, "Quota request approved")
}

// Reject marks a pending request rejected
func (h *QuotaRequestHandler) Reject(c *fiber.Ctx) error {
	return h.transition(c, models.QuotaRequestPending, models.QuotaRequestRejected, "Quota request rejected")
}

func (h *QuotaRequestHandler) transition(c *fiber.Ctx, from, to models.QuotaRequestStatus, message string) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid quota request ID",
		})
	}

	var request models.QuotaRequest
	if err := database.DB.First(&request, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Quota request not found",
		})
	}

	if request.Status != from {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Quota request is not " + string(from),
		})
	}

	if err := database.DB.Model(&request).Update("status", to).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update quota request",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

// Execute applies an approved request through the allocator
func (h *QuotaRequestHandler) Execute(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid quota request ID",
		})
	}

	var request models.QuotaRequest
	if err := database.DB.First(&request, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Quota request not found",
		})
	}

	if request.Status != models.QuotaRequestApproved {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Only approved quota requests can be executed",
		})
	}

	if request.Requested > 0 {
		if _, err := h.alloc.Allocate(request.AccessKeyID, request.Requested); err != nil {
			return allocationError(c, err)
		}
	} else {
		if err := h.alloc.Deallocate(request.AccessKeyID, -request.Requested); err != nil {
			return allocationError(c, err)
		}
	}

	database.DB.Model(&request).Update("status", models.QuotaRequestExecuted)
	database.InvalidatePoolCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Quota request executed",
	})
}
