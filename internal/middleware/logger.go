package middleware

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Logger writes one line per request: status, latency, client and route
func Logger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		log.Printf("HTTP: %3d %-7s %s from %s in %v",
			c.Response().StatusCode(), c.Method(), c.Path(), c.IP(), time.Since(start))
		return err
	}
}

// CORS opens the API to browser consoles on other origins and answers
// preflight requests inline
func CORS() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Access-Key")
		c.Set("Access-Control-Max-Age", "86400")

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

// clientWindow is one address's request budget within the current window
type clientWindow struct {
	requests int
	resetAt  time.Time
}

var (
	clientWindows   = make(map[string]*clientWindow)
	clientWindowsMu sync.Mutex
)

// RateLimiter enforces a fixed-window request budget per client address.
// State is in-process only and resets with the process.
func RateLimiter(maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		now := time.Now()

		clientWindowsMu.Lock()
		w, ok := clientWindows[c.IP()]
		if !ok || now.After(w.resetAt) {
			clientWindows[c.IP()] = &clientWindow{requests: 1, resetAt: now.Add(window)}
			clientWindowsMu.Unlock()
			return c.Next()
		}
		if w.requests >= maxRequests {
			retryIn := int(w.resetAt.Sub(now).Seconds()) + 1
			clientWindowsMu.Unlock()
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"message": "Too many requests, retry in " + strconv.Itoa(retryIn) + "s",
			})
		}
		w.requests++
		clientWindowsMu.Unlock()
		return c.Next()
	}
}
