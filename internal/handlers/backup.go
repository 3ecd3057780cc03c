package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/services"
)

type BackupHandler struct {
	scheduler *services.BackupSchedulerService
}

func NewBackupHandler(scheduler *services.BackupSchedulerService) *BackupHandler {
	return &BackupHandler{scheduler: scheduler}
}

// ListSchedules returns all backup schedules
func (h *BackupHandler) ListSchedules(c *fiber.Ctx) error {
	var schedules []models.BackupSchedule
	if err := database.DB.Order("id ASC").Find(&schedules).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch backup schedules",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    schedules,
	})
}

// ScheduleRequest represents a backup schedule create/update body
type ScheduleRequest struct {
	Name        string `json:"name"`
	IsEnabled   *bool  `json:"is_enabled"`
	Frequency   string `json:"frequency"`
	DayOfWeek   int    `json:"day_of_week"`
	TimeOfDay   string `json:"time_of_day"`
	Retention   int    `json:"retention"`
	FTPHost     string `json:"ftp_host"`
	FTPPort     int    `json:"ftp_port"`
	FTPUsername string `json:"ftp_username"`
	FTPPassword string `json:"ftp_password"`
	FTPPath     string `json:"ftp_path"`
}

func (r *ScheduleRequest) validate() string {
	if r.Name == "" {
		return "Schedule name is required"
	}
	if r.Frequency != "daily" && r.Frequency != "weekly" {
		return "Frequency must be daily or weekly"
	}
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return "Day of week must be between 0 (Sunday) and 6"
	}
	return ""
}

// CreateSchedule adds a new backup schedule
func (h *BackupHandler) CreateSchedule(c *fiber.Ctx) error {
	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if msg := req.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": msg,
		})
	}

	schedule := models.BackupSchedule{
		Name:        req.Name,
		IsEnabled:   true,
		Frequency:   req.Frequency,
		DayOfWeek:   req.DayOfWeek,
		TimeOfDay:   req.TimeOfDay,
		Retention:   req.Retention,
		FTPHost:     req.FTPHost,
		FTPPort:     req.FTPPort,
		FTPUsername: req.FTPUsername,
		FTPPassword: req.FTPPassword,
		FTPPath:     req.FTPPath,
	}
	if req.IsEnabled != nil {
		schedule.IsEnabled = *req.IsEnabled
	}
	if schedule.TimeOfDay == "" {
		schedule.TimeOfDay = "02:00"
	}
	if schedule.FTPPort == 0 {
		schedule.FTPPort = 21
	}
	if schedule.Retention == 0 {
		schedule.Retention = 7
	}

	if err := database.DB.Create(&schedule).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create backup schedule",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Backup schedule created",
		"data":    schedule,
	})
}

// UpdateSchedule modifies a backup schedule
func (h *BackupHandler) UpdateSchedule(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid schedule ID",
		})
	}

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Backup schedule not found",
		})
	}

	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if msg := req.validate(); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": msg,
		})
	}

	updates := map[string]interface{}{
		"name":         req.Name,
		"frequency":    req.Frequency,
		"day_of_week":  req.DayOfWeek,
		"time_of_day":  req.TimeOfDay,
		"retention":    req.Retention,
		"ftp_host":     req.FTPHost,
		"ftp_port":     req.FTPPort,
		"ftp_username": req.FTPUsername,
		"ftp_path":     req.FTPPath,
	}
	if req.IsEnabled != nil {
		updates["is_enabled"] = *req.IsEnabled
	}
	// Keep the stored password unless a new one is supplied
	if req.FTPPassword != "" {
		updates["ftp_password"] = req.FTPPassword
	}

	if err := database.DB.Model(&schedule).Updates(updates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update backup schedule",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup schedule updated",
	})
}

// DeleteSchedule removes a backup schedule
func (h *BackupHandler) DeleteSchedule(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid schedule ID",
		})
	}

	if err := database.DB.Delete(&models.BackupSchedule{}, id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete backup schedule",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup schedule deleted",
	})
}

// Run triggers an immediate backup, optionally using a schedule's FTP config
func (h *BackupHandler) Run(c *fiber.Ctx) error {
	var schedule *models.BackupSchedule
	if idStr := c.Query("schedule"); idStr != "" {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid schedule ID",
			})
		}
		var s models.BackupSchedule
		if err := database.DB.First(&s, id).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Backup schedule not found",
			})
		}
		schedule = &s
	}

	backupLog, err := h.scheduler.RunManualBackup(schedule)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Backup failed: " + err.Error(),
			"data":    backupLog,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup completed",
		"data":    backupLog,
	})
}

// Logs returns recent backup execution logs
func (h *BackupHandler) Logs(c *fiber.Ctx) error {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit", "50")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	var logs []models.BackupLog
	if err := database.DB.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch backup logs",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    logs,
	})
}

// TestFTP validates an FTP destination without saving it
func (h *BackupHandler) TestFTP(c *fiber.Ctx) error {
	var req struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		Path     string `json:"path"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Port == 0 {
		req.Port = 21
	}

	if err := services.TestFTPConnection(req.Host, req.Port, req.Username, req.Password, req.Path); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "FTP test failed: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "FTP connection successful",
	})
}
