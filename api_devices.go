package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

func (a *App) registerDeviceRoutes(r fiber.Router) {
	r.Get("/devices", func(c *fiber.Ctx) error {
		devices, err := a.store.ListDevices(c.Context())
		if err != nil {
			return serverError(c, a, "list_devices_failed", err)
		}
		return c.JSON(DeviceListResponse{
			LastUpdated: time.Now().UnixMilli(),
			Devices:     devices,
			Total:       len(devices),
		})
	})

	r.Post("/devices", func(c *fiber.Ctx) error {
		var req DeviceCreateRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		mac := normalizeMac(req.MacAddress)
		if mac == "" {
			return badRequest(c, "invalid_mac", "Not a valid MAC address")
		}
		if _, exists, err := a.store.GetDeviceByMac(c.Context(), mac); err != nil {
			return serverError(c, a, "create_device_failed", err)
		} else if exists {
			return c.Status(http.StatusConflict).JSON(fiber.Map{
				"code": "duplicate_mac", "message": "Device is already tracked",
			})
		}

		dev, err := a.store.CreateDevice(c.Context(), mac, strings.TrimSpace(req.FriendlyName))
		if err != nil {
			return serverError(c, a, "create_device_failed", err)
		}
		a.log.Info("device_tracked", "mac", mac, "name", dev.FriendlyName)
		return c.Status(http.StatusCreated).JSON(dev)
	})

	// Connected clients that are not tracked yet, for the add-device picker.
	r.Get("/discover", func(c *fiber.Ctx) error {
		snapshot, err := a.unifi.Clients(c.Context())
		if err != nil {
			return c.Status(http.StatusBadGateway).JSON(fiber.Map{
				"code": "controller_unreachable", "message": err.Error(),
			})
		}
		devices, err := a.store.ListDevices(c.Context())
		if err != nil {
			return serverError(c, a, "discover_failed", err)
		}
		tracked := make(map[string]struct{}, len(devices))
		for _, d := range devices {
			tracked[d.MacAddress] = struct{}{}
		}

		out := []ClientRecord{}
		for mac, rec := range snapshot {
			if _, ok := tracked[mac]; ok {
				continue
			}
			out = append(out, rec)
		}
		return c.JSON(fiber.Map{"clients": out, "total": len(out)})
	})

	r.Get("/webhooks", func(c *fiber.Ctx) error {
		hooks, err := a.store.ListDeviceWebhooks(c.Context())
		if err != nil {
			return serverError(c, a, "list_webhooks_failed", err)
		}
		return c.JSON(hooks)
	})

	r.Post("/webhooks", func(c *fiber.Ctx) error {
		var w DeviceWebhook
		if err := c.BodyParser(&w); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		if msg := validateWebhookBase(w.Name, w.Type, w.URL); msg != "" {
			return badRequest(c, "invalid_webhook", msg)
		}
		created, err := a.store.CreateDeviceWebhook(c.Context(), w)
		if err != nil {
			return serverError(c, a, "create_webhook_failed", err)
		}
		return c.Status(http.StatusCreated).JSON(created)
	})

	r.Put("/webhooks/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, "invalid_id", "Invalid webhook id")
		}
		var w DeviceWebhook
		if err := c.BodyParser(&w); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		if msg := validateWebhookBase(w.Name, w.Type, w.URL); msg != "" {
			return badRequest(c, "invalid_webhook", msg)
		}
		w.ID = id
		if err := a.store.UpdateDeviceWebhook(c.Context(), w); err != nil {
			return serverError(c, a, "update_webhook_failed", err)
		}
		return c.JSON(SuccessResponse{Success: true})
	})

	r.Delete("/webhooks/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, "invalid_id", "Invalid webhook id")
		}
		deleted, err := a.store.DeleteDeviceWebhook(c.Context(), id)
		if err != nil {
			return serverError(c, a, "delete_webhook_failed", err)
		}
		if !deleted {
			return notFound(c, "Webhook not found")
		}
		return c.JSON(SuccessResponse{Success: true})
	})

	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"job":        a.stalkerPoller.Status(),
			"controller": a.unifi.Status(),
		})
	})

	r.Post("/refresh", func(c *fiber.Ctx) error {
		if err := a.stalkerPoller.TriggerOnce(c.Context()); err == errPollBusy {
			return c.Status(http.StatusConflict).JSON(fiber.Map{
				"code": "refresh_in_progress", "message": "A poll cycle is already running",
			})
		} else if err != nil {
			return serverError(c, a, "refresh_failed", err)
		}
		return c.JSON(SuccessResponse{Success: true, Message: "refreshed"})
	})

	r.Get("/devices/:id", func(c *fiber.Ctx) error {
		dev, ok, err := a.deviceFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Device not found")
		}
		return c.JSON(dev)
	})

	r.Put("/devices/:id", func(c *fiber.Ctx) error {
		dev, ok, err := a.deviceFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Device not found")
		}
		var req DeviceCreateRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		if err := a.store.UpdateDeviceName(c.Context(), dev.ID, strings.TrimSpace(req.FriendlyName)); err != nil {
			return serverError(c, a, "update_device_failed", err)
		}
		dev.FriendlyName = strings.TrimSpace(req.FriendlyName)
		return c.JSON(dev)
	})

	r.Delete("/devices/:id", func(c *fiber.Ctx) error {
		dev, ok, err := a.deviceFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Device not found")
		}
		if _, err := a.store.DeleteDevice(c.Context(), dev.ID); err != nil {
			return serverError(c, a, "delete_device_failed", err)
		}
		a.log.Info("device_untracked", "mac", dev.MacAddress)
		return c.JSON(SuccessResponse{Success: true})
	})

	r.Get("/devices/:id/history", func(c *fiber.Ctx) error {
		dev, ok, err := a.deviceFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Device not found")
		}
		limit := c.QueryInt("limit", 50)
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		offset := c.QueryInt("offset", 0)
		if offset < 0 {
			offset = 0
		}
		history, total, err := a.store.ListHistory(c.Context(), dev.ID, limit, offset)
		if err != nil {
			return serverError(c, a, "list_history_failed", err)
		}
		return c.JSON(HistoryListResponse{DeviceID: dev.ID, History: history, Total: total})
	})

	r.Get("/devices/:id/history/export", func(c *fiber.Ctx) error {
		dev, ok, err := a.deviceFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Device not found")
		}

		endMs := int64(c.QueryInt("end", 0))
		if endMs <= 0 {
			endMs = time.Now().UnixMilli()
		}
		startMs := int64(c.QueryInt("start", 0))
		if startMs <= 0 {
			startMs = endMs - 30*24*60*60*1000
		}

		history, err := a.store.ListHistoryRange(c.Context(), dev.ID, startMs, endMs)
		if err != nil {
			return serverError(c, a, "export_history_failed", err)
		}

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		w.Write([]string{"mac_address", "friendly_name", "medium", "location", "connected_at", "disconnected_at", "duration_seconds", "signal"})
		for _, h := range history {
			medium := "wireless"
			location := h.APName
			if location == "" {
				location = h.APMac
			}
			if h.IsWired {
				medium = "wired"
				location = h.SwitchName
				if location == "" {
					location = h.SwitchMac
				}
				if h.SwitchPort != nil {
					location = fmt.Sprintf("%s port %d", location, *h.SwitchPort)
				}
			}
			disconnected, duration, signal := "", "", ""
			if h.DisconnectedAt != nil {
				disconnected = time.UnixMilli(*h.DisconnectedAt).UTC().Format(time.RFC3339)
			}
			if h.DurationSeconds != nil {
				duration = strconv.FormatInt(*h.DurationSeconds, 10)
			}
			if h.Signal != nil {
				signal = strconv.Itoa(*h.Signal)
			}
			w.Write([]string{
				dev.MacAddress,
				dev.FriendlyName,
				medium,
				location,
				time.UnixMilli(h.ConnectedAt).UTC().Format(time.RFC3339),
				disconnected,
				duration,
				signal,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return serverError(c, a, "export_history_failed", err)
		}

		c.Set(fiber.HeaderContentType, "text/csv")
		c.Set(fiber.HeaderContentDisposition,
			fmt.Sprintf(`attachment; filename="history_%s.csv"`, strings.ReplaceAll(dev.MacAddress, ":", "")))
		return c.Send(buf.Bytes())
	})

	r.Post("/devices/:id/block", func(c *fiber.Ctx) error {
		return a.setBlocked(c, true)
	})

	r.Post("/devices/:id/unblock", func(c *fiber.Ctx) error {
		return a.setBlocked(c, false)
	})
}

func (a *App) deviceFromParam(c *fiber.Ctx) (TrackedDevice, bool, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return TrackedDevice{}, false, badRequest(c, "invalid_id", "Invalid device id")
	}
	dev, ok, err := a.store.GetDevice(c.Context(), id)
	if err != nil {
		return TrackedDevice{}, false, serverError(c, a, "get_device_failed", err)
	}
	return dev, ok, nil
}

func (a *App) setBlocked(c *fiber.Ctx, blocked bool) error {
	dev, ok, err := a.deviceFromParam(c)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(c, "Device not found")
	}

	if blocked {
		err = a.unifi.Block(c.Context(), dev.MacAddress)
	} else {
		err = a.unifi.Unblock(c.Context(), dev.MacAddress)
	}
	if err != nil {
		return c.Status(http.StatusBadGateway).JSON(fiber.Map{
			"code": "controller_command_failed", "message": err.Error(),
		})
	}

	evType := eventUnblocked
	if blocked {
		evType = eventBlocked
	}
	changed := dev.IsBlocked != blocked
	dev.IsBlocked = blocked
	if err := a.store.SaveDeviceState(c.Context(), nil, dev); err != nil {
		return serverError(c, a, "save_device_failed", err)
	}
	if changed {
		a.notifier.DeviceEvents(c.Context(), []deviceEvent{{
			Type:    evType,
			Device:  dev,
			Message: fmt.Sprintf("%s was %s", deviceLabel(dev), evType),
		}})
	}
	a.log.Info("device_block_toggled", "mac", dev.MacAddress, "blocked", blocked)
	return c.JSON(dev)
}

func validateWebhookBase(name, webhookType, url string) string {
	if strings.TrimSpace(name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(url) == "" {
		return "url is required"
	}
	switch webhookType {
	case "slack", "discord", "generic":
		return ""
	}
	return "webhook_type must be slack, discord or generic"
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{"code": code, "message": message})
}

func notFound(c *fiber.Ctx, message string) error {
	return c.Status(http.StatusNotFound).JSON(fiber.Map{"code": "not_found", "message": message})
}

func serverError(c *fiber.Ctx, a *App, code string, err error) error {
	a.log.Error(code, "error", err.Error())
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"code": code, "message": err.Error()})
}
