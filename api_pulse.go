package main

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

func (a *App) registerPulseRoutes(r fiber.Router) {
	r.Get("/dashboard", func(c *fiber.Ctx) error {
		dash, ok := a.pulse.Get()
		if !ok {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"code": "no_snapshot", "message": "No dashboard snapshot yet",
			})
		}
		return c.JSON(dash)
	})

	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"job":        a.pulsePoller.Status(),
			"controller": a.unifi.Status(),
		})
	})

	r.Post("/refresh", func(c *fiber.Ctx) error {
		if err := a.pulsePoller.TriggerOnce(c.Context()); err == errPollBusy {
			return c.Status(http.StatusConflict).JSON(fiber.Map{
				"code": "refresh_in_progress", "message": "A poll cycle is already running",
			})
		} else if err != nil {
			return serverError(c, a, "refresh_failed", err)
		}
		dash, _ := a.pulse.Get()
		return c.JSON(dash)
	})
}
