package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/artem13815/chatrelay/pkg/health"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct{ svc health.ReadinessUseCase }

func NewHealthHandler(svc health.ReadinessUseCase) *HealthHandler { return &HealthHandler{svc: svc} }

type readyResponse struct {
	Status string          `json:"status"`
	Checks []health.Result `json:"checks"`
}

// Health: basic liveness check.
// @Summary Liveness probe
// @Tags    health
// @Produce json
// @Success 200 {object} map[string]string
// @Router  /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// Ready: readiness check of the store and, when configured, redis.
// @Summary Readiness probe
// @Tags    health
// @Produce json
// @Success 200 {object} readyResponse
// @Failure 503 {object} readyResponse
// @Router  /ready [get]
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	checks, err := h.svc.Ready(ctx)
	if err != nil {
		zerolog.Ctx(c.UserContext()).Warn().Err(err).Msg("readiness check failed")
		return c.Status(fiber.StatusServiceUnavailable).JSON(readyResponse{Status: "not_ready", Checks: checks})
	}
	return c.Status(fiber.StatusOK).JSON(readyResponse{Status: "ready", Checks: checks})
}
