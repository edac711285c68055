package web

import (
	"strings"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/gofiber/fiber/v3"
)

const bearerPrefix = "Bearer "

// bearerToken returns the credential of an "Authorization: Bearer" header.
func bearerToken(c fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}

	return strings.TrimSpace(header[len(bearerPrefix):])
}

// authenticate resolves the request's API key and checks it grants permission.
func (h *Handlers) authenticate(c fiber.Ctx, permission models.Permission) (*models.APIKey, error) {
	return h.api.Authenticate(c.Context(), bearerToken(c), permission)
}
