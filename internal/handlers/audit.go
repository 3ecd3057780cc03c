package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
)

type AuditHandler struct{}

func NewAuditHandler() *AuditHandler {
	return &AuditHandler{}
}

// List returns audit log entries, newest first, with optional filters
func (h *AuditHandler) List(c *fiber.Ctx) error {
	page := 1
	if p, err := strconv.Atoi(c.Query("page", "1")); err == nil && p > 0 {
		page = p
	}
	perPage := 50
	if pp, err := strconv.Atoi(c.Query("per_page", "50")); err == nil && pp > 0 && pp <= 200 {
		perPage = pp
	}

	query := database.DB.Model(&models.AuditLog{})
	if action := c.Query("action"); action != "" {
		query = query.Where("action = ?", action)
	}
	if entityType := c.Query("entity_type"); entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if username := c.Query("username"); username != "" {
		query = query.Where("username = ?", username)
	}

	var total int64
	query.Count(&total)

	var logs []models.AuditLog
	if err := query.Order("id DESC").Offset((page - 1) * perPage).Limit(perPage).Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch audit logs",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    logs,
		"meta": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}
