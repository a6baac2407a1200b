package controllers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/payhook/internal/pkg/middleware"
)

var validate = validator.New()

func principal(c *fiber.Ctx) (middleware.Principal, error) {
	p, ok := middleware.GetPrincipal(c)
	if !ok || p.OrganizationID == "" {
		return middleware.Principal{}, fiber.NewError(fiber.StatusUnauthorized, "missing admin principal")
	}
	return p, nil
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// validationError renders the first failing field of a validator error.
func validationError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errorJSON(c, fiber.StatusBadRequest, "validation_failed", strings.ToLower(fe.Field())+" failed on "+fe.Tag())
	}
	return errorJSON(c, fiber.StatusBadRequest, "validation_failed", err.Error())
}

func parseOptionalBool(raw string) *bool {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

func parseOptionalTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// formatTimePtr renders t as RFC3339 UTC or nil.
func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
