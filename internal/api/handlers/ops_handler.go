package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/campaignloop/publisher/internal/scheduler"
	"github.com/campaignloop/publisher/internal/tokenguard"
)

type OpsHandler struct {
	s     *scheduler.Scheduler
	sweep *tokenguard.SweepJob
}

func NewOpsHandler(s *scheduler.Scheduler, sweep *tokenguard.SweepJob) *OpsHandler {
	return &OpsHandler{s: s, sweep: sweep}
}

// TriggerTick runs one scheduler pass immediately, outside the cron cadence.
func (h *OpsHandler) TriggerTick(c *fiber.Ctx) error {
	report := h.s.Tick(c.Context())
	if report == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "a tick is already running",
		})
	}
	return c.JSON(report)
}

// TriggerTokenSweep runs the token refresh sweep immediately.
func (h *OpsHandler) TriggerTokenSweep(c *fiber.Ctx) error {
	h.sweep.Run()
	return c.SendStatus(fiber.StatusOK)
}

func (h *OpsHandler) GetHealth(c *fiber.Ctx) error {
	health, err := h.s.HealthSnapshot(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to build health snapshot",
		})
	}
	return c.JSON(health)
}
