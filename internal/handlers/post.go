package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/drive"
	"github.com/drivepool/backend/internal/models"
	"github.com/drivepool/backend/internal/pool"
	"github.com/drivepool/backend/internal/scheduler"
)

type PostHandler struct {
	alloc    *pool.Allocator
	ledger   *pool.Ledger
	reclaim  *pool.Reclaimer
	provider drive.Provider
	sched    *scheduler.Scheduler
}

func NewPostHandler(alloc *pool.Allocator, ledger *pool.Ledger, reclaim *pool.Reclaimer, provider drive.Provider, sched *scheduler.Scheduler) *PostHandler {
	return &PostHandler{alloc: alloc, ledger: ledger, reclaim: reclaim, provider: provider, sched: sched}
}

// resolveAccessKey finds the access key named by the X-Access-Key header
func resolveAccessKey(c *fiber.Ctx) (*models.AccessKey, error) {
	raw := strings.TrimSpace(c.Get("X-Access-Key"))
	if raw == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "Missing X-Access-Key header")
	}
	var key models.AccessKey
	if err := database.DB.Where("key = ? AND is_active = ?", raw, true).First(&key).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "Unknown or inactive access key")
	}
	return &key, nil
}

// List returns the objects of an access key, optionally scoped to a folder
func (h *PostHandler) List(c *fiber.Ctx) error {
	key, err := resolveAccessKey(c)
	if err != nil {
		ferr := err.(*fiber.Error)
		return c.Status(ferr.Code).JSON(fiber.Map{
			"success": false,
			"message": ferr.Message,
		})
	}

	query := database.DB.Where("access_key_id = ?", key.ID)
	if parent := c.Query("parent"); parent != "" {
		pid, perr := strconv.Atoi(parent)
		if perr != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid parent ID",
			})
		}
		query = query.Where("parent_id = ?", pid)
	} else {
		query = query.Where("parent_id IS NULL")
	}

	var posts []models.Post
	if err := query.Order("type DESC, name ASC").Find(&posts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch objects",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    posts,
	})
}

// Get returns a single object
func (h *PostHandler) Get(c *fiber.Ctx) error {
	key, err := resolveAccessKey(c)
	if err != nil {
		ferr := err.(*fiber.Error)
		return c.Status(ferr.Code).JSON(fiber.Map{
			"success": false,
			"message": ferr.Message,
		})
	}

	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid object ID",
		})
	}

	var post models.Post
	if err := database.DB.Where("access_key_id = ?", key.ID).First(&post, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Object not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    post,
	})
}

// CreateFolderRequest represents folder creation request
type CreateFolderRequest struct {
	Name     string `json:"name"`
	ParentID *uint  `json:"parent_id"`
}

// CreateFolder creates a folder for an access key. The folder is placed on
// the drive of the key's first allocation edge when one exists; a key with
// no backend placement yet still gets a metadata-only folder.
func (h *PostHandler) CreateFolder(c *fiber.Ctx) error {
	key, err := resolveAccessKey(c)
	if err != nil {
		ferr := err.(*fiber.Error)
		return c.Status(ferr.Code).JSON(fiber.Map{
			"success": false,
			"message": ferr.Message,
		})
	}

	var req CreateFolderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Folder name is required",
		})
	}

	post := models.Post{
		AccessKeyID: key.ID,
		Type:        models.PostTypeFolder,
		Name:        req.Name,
		ContentType: drive.FolderMimeType,
	}

	var parentFileID string
	if req.ParentID != nil {
		var parent models.Post
		if err := database.DB.Where("access_key_id = ?", key.ID).First(&parent, *req.ParentID).Error; err != nil || !parent.IsFolder() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Parent folder not found",
			})
		}
		post.ParentID = req.ParentID
		parentFileID = parent.FileID
	}

	// A folder occupies no space; any edge can host it
	if edge, perr := h.ledger.PickDriveWithHeadroom(key.ID, 0); perr == nil {
		cred, cerr := h.alloc.Credential(edge.DriveID)
		if cerr == nil {
			meta := drive.FileMetadata{
				Name:        req.Name,
				ContentType: drive.FolderMimeType,
				FolderID:    parentFileID,
			}
			var fileID string
			serr := h.sched.Run(func() error {
				var err error
				fileID, err = h.provider.CreateFile(cred, meta, nil, nil)
				return err
			})
			if serr == nil {
				post.DriveID = edge.DriveID
				post.FileID = fileID
			}
		}
	}

	if err := database.DB.Create(&post).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create folder",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Folder created",
		"data":    post,
	})
}

// Delete removes an object. Folders are removed recursively together with
// everything they contain, and the freed bytes are returned to the key's
// quota ledger.
func (h *PostHandler) Delete(c *fiber.Ctx) error {
	key, err := resolveAccessKey(c)
	if err != nil {
		ferr := err.(*fiber.Error)
		return c.Status(ferr.Code).JSON(fiber.Map{
			"success": false,
			"message": ferr.Message,
		})
	}

	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid object ID",
		})
	}

	var post models.Post
	if err := database.DB.Where("access_key_id = ?", key.ID).First(&post, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Object not found",
		})
	}

	freed, err := h.reclaim.DeleteObject(post.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete object: " + err.Error(),
		})
	}

	database.InvalidatePoolCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Object deleted",
		"data": fiber.Map{
			"freed": freed,
		},
	})
}
