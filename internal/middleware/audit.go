package middleware

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
)

// AuditLogger middleware logs API actions to audit log
func AuditLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == "GET" || method == "HEAD" || method == "OPTIONS" {
			return c.Next()
		}

		// Skip certain paths
		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		// Get user before executing (context is valid here)
		user := GetCurrentUser(c)
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		// Capture request body for POST/PUT (to get entity name)
		var requestBody []byte
		if method == "POST" || method == "PUT" || method == "PATCH" {
			requestBody = c.Body()
		}

		// For DELETE, capture entity name BEFORE deletion
		var entityNameBeforeDelete string
		if method == "DELETE" {
			entityType := getEntityTypeFromPath(path)
			entityID := extractIDFromPath(path)
			if entityID != "" {
				entityNameBeforeDelete = getEntityName(entityType, entityID)
			}
		}

		// Execute the request
		err := c.Next()

		// Only log successful responses
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 400 && user != nil {
			logAuditEntry(user, method, path, ip, userAgent, requestBody, entityNameBeforeDelete)
		}

		return err
	}
}

// extractIDFromPath gets the numeric ID from URL path
func extractIDFromPath(path string) string {
	idRegex := regexp.MustCompile(`/(\d+)(?:/|$)`)
	matches := idRegex.FindStringSubmatch(path)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

func logAuditEntry(user *models.User, method, path, ip, userAgent string, requestBody []byte, preDeleteName string) {
	if user == nil {
		return
	}

	// Determine action based on method
	var action models.AuditAction
	switch method {
	case "POST":
		action = models.AuditActionCreate
	case "PUT", "PATCH":
		action = models.AuditActionUpdate
	case "DELETE":
		action = models.AuditActionDelete
	default:
		return
	}

	// Special-case capacity operations
	if strings.Contains(path, "/quota") && method == "PUT" {
		action = models.AuditActionAllocate
	}

	// Determine entity type from path
	entityType := getEntityTypeFromPath(path)
	if entityType == "" {
		return
	}

	// Generate human-readable description
	description := generateDescription(action, entityType, path, requestBody, preDeleteName)

	// Create audit log
	auditLog := models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		UserType:    user.UserType,
		Action:      action,
		EntityType:  entityType,
		Description: description,
		IPAddress:   ip,
		UserAgent:   userAgent,
	}
	database.DB.Create(&auditLog)
}

// generateDescription creates a human-readable description for audit logs
func generateDescription(action models.AuditAction, entityType, path string, requestBody []byte, preDeleteName string) string {
	// Extract ID from path if present
	entityID := extractIDFromPath(path)

	// Get entity name based on action type
	var entityName string
	if action == models.AuditActionDelete && preDeleteName != "" {
		// For deletes, use the pre-captured name
		entityName = preDeleteName
	} else if action == models.AuditActionCreate && len(requestBody) > 0 {
		// For creates, get name from request body
		entityName = getNameFromRequestBody(requestBody)
	} else if entityID != "" {
		// For updates, get from database
		entityName = getEntityName(entityType, entityID)
	}

	// Action verbs
	actionVerbs := map[models.AuditAction]string{
		models.AuditActionCreate:   "Created",
		models.AuditActionUpdate:   "Updated",
		models.AuditActionDelete:   "Deleted",
		models.AuditActionAllocate: "Changed quota for",
	}
	verb := actionVerbs[action]

	// Handle special paths
	if strings.Contains(path, "/refresh") {
		return "Refreshed quota for " + entityName
	}
	if strings.Contains(path, "/approve") {
		return "Approved quota request " + entityName
	}
	if strings.Contains(path, "/reject") {
		return "Rejected quota request " + entityName
	}
	if strings.Contains(path, "/execute") {
		return "Executed quota request " + entityName
	}
	if strings.Contains(path, "/run") && entityType == "backup" {
		return "Triggered backup " + entityName
	}

	// Default description
	if entityName != "" {
		return verb + " " + entityType + " \"" + entityName + "\""
	}
	return verb + " " + entityType
}

// getNameFromRequestBody extracts name/username from JSON request body
func getNameFromRequestBody(body []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}

	// Try common name fields in order of preference
	nameFields := []string{"name", "label", "username", "key", "filename", "title"}
	for _, field := range nameFields {
		if val, ok := data[field]; ok {
			if strVal, ok := val.(string); ok && strVal != "" {
				return strVal
			}
		}
	}
	return ""
}

// getEntityName looks up the entity name from database
func getEntityName(entityType, entityID string) string {
	if entityID == "" {
		return ""
	}

	switch entityType {
	case "access-key":
		var key models.AccessKey
		if database.DB.Select("label").First(&key, entityID).Error == nil && key.Label != "" {
			return key.Label
		}
	case "post":
		var post models.Post
		if database.DB.Select("name").First(&post, entityID).Error == nil {
			return post.Name
		}
	case "drive":
		var drive models.Drive
		if database.DB.Select("service_id").First(&drive, entityID).Error == nil {
			return drive.ServiceID
		}
	case "user":
		var user models.User
		if database.DB.Select("username").First(&user, entityID).Error == nil {
			return user.Username
		}
	case "quota-request":
		return "#" + entityID
	case "backup":
		return "backup #" + entityID
	}
	return "#" + entityID
}

func getEntityTypeFromPath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	if len(parts) == 0 {
		return ""
	}

	// Map paths to entity types
	entityMap := map[string]string{
		"access-keys":    "access-key",
		"posts":          "post",
		"drives":         "drive",
		"pool":           "pool",
		"users":          "user",
		"quota-requests": "quota-request",
		"backups":        "backup",
		"settings":       "settings",
	}

	if entity, ok := entityMap[parts[0]]; ok {
		return entity
	}
	return ""
}
