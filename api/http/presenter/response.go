package presenter

import "github.com/gofiber/fiber/v2"

type ErrorResponse struct {
	Message string `json:"message"`
	// Code is a stable machine-readable kind such as provider_timeout.
	Code string `json:"code,omitempty"`
}

func JSON(c *fiber.Ctx, status int, v any) error {
	return c.Status(status).JSON(v)
}

func Error(c *fiber.Ctx, status int, message string) error {
	return JSON(c, status, ErrorResponse{Message: message})
}

func ErrorCode(c *fiber.Ctx, status int, code, message string) error {
	return JSON(c, status, ErrorResponse{Message: message, Code: code})
}
