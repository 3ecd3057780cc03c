package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/crypto/bcrypt"

	"github.com/drivepool/backend/internal/config"
	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/handlers"
	"github.com/drivepool/backend/internal/middleware"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
	"github.com/drivepool/backend/internal/scheduler"
	"github.com/drivepool/backend/internal/services"
	"github.com/drivepool/backend/internal/upload"
	"github.com/drivepool/backend/internal/vault"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed admin user if not exists
	seedAdminUser()

	// Credential vault
	v, err := vault.New(cfg.VaultMasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	// Provider gateway and shared call scheduler
	provider := drive.NewClient(cfg.GatewayURL, cfg.GatewayToken)
	sched := scheduler.New(cfg.SchedulerMaxConcurrent)

	// Pool machinery
	alloc := pool.NewAllocator(database.DB, provider, v, sched, pool.AllocatorConfig{
		PerAccountQuota:    cfg.PerAccountQuota,
		AccountCreateDelay: time.Duration(cfg.AccountCreateDelaySec) * time.Second,
		PollAttempts:       cfg.ProvisionPollAttempts,
		PollDelay:          time.Duration(cfg.ProvisionPollDelaySec) * time.Second,
		OwnerName:          cfg.PoolOwner,
	})
	ledger := pool.NewLedger(database.DB)
	reclaimer := pool.NewReclaimer(database.DB, alloc, ledger)

	// Background services
	quotaRefreshService := services.NewQuotaRefreshService(alloc, sched, 10*time.Minute)
	go quotaRefreshService.Start()

	backupSchedulerService := services.NewBackupSchedulerService(cfg)
	go backupSchedulerService.Start()

	// Upload socket runs on its own listener; the websocket upgrade needs a
	// hijackable net/http connection
	uploadServer := upload.NewServer(database.DB, provider, alloc, ledger, sched)
	go func() {
		log.Printf("Starting upload server on :%d", cfg.UploadPort)
		if err := uploadServer.Start(cfg.UploadPort); err != nil {
			log.Fatalf("Failed to start upload server: %v", err)
		}
	}()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "DrivePool API v1.0",
		ServerHeader: "DrivePool",
		BodyLimit:    50 * 1024 * 1024, // 50MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "drivepool-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	twoFAHandler := handlers.NewTwoFAHandler()
	userHandler := handlers.NewUserHandler()
	accessKeyHandler := handlers.NewAccessKeyHandler(alloc, reclaimer, ledger)
	postHandler := handlers.NewPostHandler(alloc, ledger, reclaimer, provider, sched)
	poolHandler := handlers.NewPoolHandler(alloc, ledger)
	quotaRequestHandler := handlers.NewQuotaRequestHandler(alloc)
	auditHandler := handlers.NewAuditHandler()
	backupHandler := handlers.NewBackupHandler(backupSchedulerService)

	// API routes
	api := app.Group("/api")

	api.Use(middleware.RateLimiter(cfg.RateLimitRequests, time.Duration(cfg.RateLimitWindowSec)*time.Second))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Tenant data-plane routes, authenticated by X-Access-Key header
	objects := api.Group("/objects")
	objects.Get("/", postHandler.List)
	objects.Get("/:id", postHandler.Get)
	objects.Post("/folders", postHandler.CreateFolder)
	objects.Delete("/:id", postHandler.Delete)

	// Protected console routes
	protected := api.Group("", middleware.AuthRequired(cfg), middleware.AuditLogger())

	// Auth routes
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/refresh", authHandler.RefreshToken)
	protected.Put("/auth/password", authHandler.ChangePassword)

	// 2FA routes
	protected.Get("/auth/2fa/status", twoFAHandler.Status)
	protected.Post("/auth/2fa/setup", twoFAHandler.Setup)
	protected.Post("/auth/2fa/verify", twoFAHandler.Verify)
	protected.Post("/auth/2fa/disable", twoFAHandler.Disable)

	// Access key routes
	accessKeys := protected.Group("/access-keys")
	accessKeys.Get("/", accessKeyHandler.List)
	accessKeys.Get("/:id", accessKeyHandler.Get)
	accessKeys.Get("/:id/usage", accessKeyHandler.Usage)
	accessKeys.Post("/", middleware.OperatorOrAdmin(), accessKeyHandler.Create)
	accessKeys.Put("/:id/quota", middleware.OperatorOrAdmin(), accessKeyHandler.UpdateQuota)
	accessKeys.Post("/:id/toggle", middleware.OperatorOrAdmin(), accessKeyHandler.Toggle)
	accessKeys.Delete("/:id", middleware.AdminOnly(), accessKeyHandler.Delete)

	// Pool and drive routes
	protected.Get("/pool/totals", poolHandler.Totals)
	drives := protected.Group("/drives")
	drives.Get("/", poolHandler.ListDrives)
	drives.Get("/:id", poolHandler.GetDrive)
	drives.Post("/:id/refresh", middleware.OperatorOrAdmin(), poolHandler.RefreshDrive)

	// Quota request routes
	quotaRequests := protected.Group("/quota-requests")
	quotaRequests.Get("/", quotaRequestHandler.List)
	quotaRequests.Post("/", middleware.OperatorOrAdmin(), quotaRequestHandler.Create)
	quotaRequests.Post("/:id/approve", middleware.AdminOnly(), quotaRequestHandler.Approve)
	quotaRequests.Post("/:id/reject", middleware.AdminOnly(), quotaRequestHandler.Reject)
	quotaRequests.Post("/:id/execute", middleware.AdminOnly(), quotaRequestHandler.Execute)

	// User management routes (Admin only)
	users := protected.Group("/users", middleware.AdminOnly())
	users.Get("/", userHandler.List)
	users.Post("/", userHandler.Create)
	users.Put("/:id", userHandler.Update)
	users.Delete("/:id", userHandler.Delete)

	// Audit log routes (Admin only)
	protected.Get("/audit", middleware.AdminOnly(), auditHandler.List)

	// Backup routes (Admin only)
	backups := protected.Group("/backups", middleware.AdminOnly())
	backups.Get("/", backupHandler.ListSchedules)
	backups.Post("/", backupHandler.CreateSchedule)
	backups.Put("/:id", backupHandler.UpdateSchedule)
	backups.Delete("/:id", backupHandler.DeleteSchedule)
	backups.Post("/run", backupHandler.Run)
	backups.Get("/logs", backupHandler.Logs)
	backups.Post("/test-ftp", backupHandler.TestFTP)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		quotaRefreshService.Stop()
		backupSchedulerService.Stop()
		sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		uploadServer.Shutdown(ctx)
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting DrivePool API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&count)

	if count == 0 {
		log.Println("Creating default admin user...")

		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)

		admin := models.User{
			Username:            "admin",
			Password:            string(hashedPassword),
			Email:               "admin@drivepool.local",
			FullName:            "System Administrator",
			UserType:            models.UserTypeAdmin,
			ForcePasswordChange: true,
			IsActive:            true,
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
		} else {
			log.Println("Admin user created successfully (username: admin, password: admin123)")
		}
	}
}
