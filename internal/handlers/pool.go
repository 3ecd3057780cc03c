package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
)

type PoolHandler struct {
	alloc  *pool.Allocator
	ledger *pool.Ledger
}

func NewPoolHandler(alloc *pool.Allocator, ledger *pool.Ledger) *PoolHandler {
	return &PoolHandler{alloc: alloc, ledger: ledger}
}

// PoolTotals is the cached aggregate capacity view
type PoolTotals struct {
	Limit     int64 `json:"limit"`
	Usage     int64 `json:"usage"`
	Free      int64 `json:"free"`
	Drives    int64 `json:"drives"`
	Allotted  int64 `json:"allotted"`
	Keys      int64 `json:"keys"`
	Committed int64 `json:"committed"`
}

// Totals returns aggregate pool capacity. Served from Redis when warm.
func (h *PoolHandler) Totals(c *fiber.Ctx) error {
	var totals PoolTotals
	if err := database.CacheGet(database.CacheKeyPoolTotals, &totals); err == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    totals,
			"cached":  true,
		})
	}

	limit, usage, err := h.ledger.PoolTotals()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute pool totals",
		})
	}

	totals = PoolTotals{Limit: limit, Usage: usage, Free: limit - usage}
	database.DB.Model(&models.Drive{}).Count(&totals.Drives)
	database.DB.Model(&models.Drive{}).Where("allotted = ?", true).Count(&totals.Allotted)
	database.DB.Model(&models.AccessKey{}).Count(&totals.Keys)
	database.DB.Model(&models.DriveKey{}).Select("COALESCE(SUM(allocated_space), 0)").Scan(&totals.Committed)

	database.CacheSet(database.CacheKeyPoolTotals, totals, database.CacheTTLPoolTotals)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    totals,
	})
}

// ListDrives returns all drives with quota and allotment state
func (h *PoolHandler) ListDrives(c *fiber.Ctx) error {
	var drives []models.Drive
	if err := database.CacheGet(database.CacheKeyDriveList, &drives); err == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    drives,
			"cached":  true,
		})
	}

	if err := database.DB.Order("id ASC").Find(&drives).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch drives",
		})
	}

	database.CacheSet(database.CacheKeyDriveList, drives, database.CacheTTLDriveList)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    drives,
	})
}

// GetDrive returns one drive with its allocation edges
func (h *PoolHandler) GetDrive(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid drive ID",
		})
	}

	var d models.Drive
	if err := database.DB.First(&d, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Drive not found",
		})
	}

	var edges []models.DriveKey
	database.DB.Preload("AccessKey").Where("drive_id = ?", d.ID).Order("id ASC").Find(&edges)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"drive": d,
			"edges": edges,
		},
	})
}

// RefreshDrive re-reads one drive's quota from the provider
func (h *PoolHandler) RefreshDrive(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid drive ID",
		})
	}

	var d models.Drive
	if err := database.DB.First(&d, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Drive not found",
		})
	}

	if err := h.alloc.RefreshDriveQuota(&d); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to refresh drive quota: " + err.Error(),
		})
	}

	database.InvalidatePoolCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Drive quota refreshed",
		"data":    d,
	})
}
