package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

func (a *App) registerThreatRoutes(r fiber.Router) {
	r.Get("/", func(c *fiber.Ctx) error {
		f := ThreatEventFilters{
			Severity: c.QueryInt("severity", 0),
			Category: c.Query("category", ""),
			Action:   c.Query("action", ""),
			SrcIP:    c.Query("src_ip", ""),
			DestIP:   c.Query("dest_ip", ""),
			Search:   strings.TrimSpace(c.Query("search", "")),
			Page:     c.QueryInt("page", 1),
			PageSize: c.QueryInt("page_size", 50),
		}
		if hours := c.QueryInt("hours", 0); hours > 0 {
			f.EndMs = time.Now().UnixMilli()
			f.StartMs = f.EndMs - int64(hours)*60*60*1000
		}
		if v := c.Query("ignored", ""); v != "" {
			ignored, err := strconv.ParseBool(v)
			if err != nil {
				return badRequest(c, "invalid_ignored", "ignored must be a boolean")
			}
			f.Ignored = &ignored
		}

		events, total, err := a.store.ListThreatEvents(c.Context(), f)
		if err != nil {
			return serverError(c, a, "list_threats_failed", err)
		}
		return c.JSON(ThreatListResponse{
			Events:   events,
			Total:    total,
			Page:     f.Page,
			PageSize: f.PageSize,
			HasMore:  f.Page*f.PageSize < total,
		})
	})

	r.Get("/stats", func(c *fiber.Ctx) error {
		stats, err := a.store.ThreatStats(c.Context())
		if err != nil {
			return serverError(c, a, "threat_stats_failed", err)
		}
		return c.JSON(stats)
	})

	r.Get("/timeline", func(c *fiber.Ctx) error {
		hours := c.QueryInt("hours", 24)
		if hours <= 0 || hours > 24*30 {
			hours = 24
		}
		bucketMinutes := c.QueryInt("bucket_minutes", 60)
		if bucketMinutes <= 0 {
			bucketMinutes = 60
		}
		endMs := time.Now().UnixMilli()
		startMs := endMs - int64(hours)*60*60*1000
		points, err := a.store.ThreatTimeline(c.Context(), startMs, endMs, int64(bucketMinutes)*60*1000)
		if err != nil {
			return serverError(c, a, "threat_timeline_failed", err)
		}
		return c.JSON(fiber.Map{"start": startMs, "end": endMs, "points": points})
	})

	r.Get("/rules", func(c *fiber.Ctx) error {
		rules, err := a.store.ListIgnoreRules(c.Context(), nil)
		if err != nil {
			return serverError(c, a, "list_rules_failed", err)
		}
		return c.JSON(rules)
	})

	r.Post("/rules", func(c *fiber.Ctx) error {
		var req IgnoreRuleRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		rule, msg := ruleFromRequest(req, ThreatIgnoreRule{
			IgnoreHigh: true, IgnoreMedium: true, IgnoreLow: true,
			MatchSource: true, MatchDestination: true, Enabled: true,
		})
		if msg != "" {
			return badRequest(c, "invalid_rule", msg)
		}

		created, err := a.store.CreateIgnoreRule(c.Context(), rule)
		if err != nil {
			return serverError(c, a, "create_rule_failed", err)
		}
		if created.Enabled {
			matched, err := a.store.ApplyIgnoreRule(c.Context(), created)
			if err != nil {
				return serverError(c, a, "apply_rule_failed", err)
			}
			created.EventsIgnored = matched
			a.log.Info("ignore_rule_applied", "rule_id", created.ID, "ip", created.IPAddress, "matched", matched)
		}
		return c.Status(http.StatusCreated).JSON(created)
	})

	r.Put("/rules/:rid", func(c *fiber.Ctx) error {
		rule, ok, err := a.ruleFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Rule not found")
		}
		var req IgnoreRuleRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		updated, msg := ruleFromRequest(req, rule)
		if msg != "" {
			return badRequest(c, "invalid_rule", msg)
		}
		updated.ID = rule.ID

		// Editing a rule recomputes its closure from scratch so the counter
		// reflects only the current definition.
		if _, err := a.store.RemoveIgnoreRuleEffect(c.Context(), rule.ID); err != nil {
			return serverError(c, a, "update_rule_failed", err)
		}
		if err := a.store.ResetIgnoreRuleCounter(c.Context(), rule.ID); err != nil {
			return serverError(c, a, "update_rule_failed", err)
		}
		if err := a.store.UpdateIgnoreRule(c.Context(), updated); err != nil {
			return serverError(c, a, "update_rule_failed", err)
		}
		updated.EventsIgnored = 0
		updated.LastMatched = nil
		if updated.Enabled {
			matched, err := a.store.ApplyIgnoreRule(c.Context(), updated)
			if err != nil {
				return serverError(c, a, "apply_rule_failed", err)
			}
			updated.EventsIgnored = matched
		}
		return c.JSON(updated)
	})

	r.Delete("/rules/:rid", func(c *fiber.Ctx) error {
		rule, ok, err := a.ruleFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Rule not found")
		}
		released, err := a.store.RemoveIgnoreRuleEffect(c.Context(), rule.ID)
		if err != nil {
			return serverError(c, a, "delete_rule_failed", err)
		}
		if _, err := a.store.DeleteIgnoreRule(c.Context(), rule.ID); err != nil {
			return serverError(c, a, "delete_rule_failed", err)
		}
		a.log.Info("ignore_rule_deleted", "rule_id", rule.ID, "events_released", released)
		return c.JSON(SuccessResponse{Success: true})
	})

	r.Post("/rules/:rid/reset", func(c *fiber.Ctx) error {
		rule, ok, err := a.ruleFromParam(c)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(c, "Rule not found")
		}
		if err := a.store.ResetIgnoreRuleCounter(c.Context(), rule.ID); err != nil {
			return serverError(c, a, "reset_rule_failed", err)
		}
		return c.JSON(SuccessResponse{Success: true})
	})

	r.Get("/webhooks", func(c *fiber.Ctx) error {
		hooks, err := a.store.ListThreatWebhooks(c.Context())
		if err != nil {
			return serverError(c, a, "list_webhooks_failed", err)
		}
		return c.JSON(hooks)
	})

	r.Post("/webhooks", func(c *fiber.Ctx) error {
		var w ThreatWebhook
		if err := c.BodyParser(&w); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		if msg := validateWebhookBase(w.Name, w.Type, w.URL); msg != "" {
			return badRequest(c, "invalid_webhook", msg)
		}
		if w.MinSeverity < SeverityHigh || w.MinSeverity > SeverityLow {
			w.MinSeverity = SeverityMedium
		}
		created, err := a.store.CreateThreatWebhook(c.Context(), w)
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
		var w ThreatWebhook
		if err := c.BodyParser(&w); err != nil {
			return badRequest(c, "invalid_body", "Invalid request body")
		}
		if msg := validateWebhookBase(w.Name, w.Type, w.URL); msg != "" {
			return badRequest(c, "invalid_webhook", msg)
		}
		w.ID = id
		if err := a.store.UpdateThreatWebhook(c.Context(), w); err != nil {
			return serverError(c, a, "update_webhook_failed", err)
		}
		return c.JSON(SuccessResponse{Success: true})
	})

	r.Delete("/webhooks/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, "invalid_id", "Invalid webhook id")
		}
		deleted, err := a.store.DeleteThreatWebhook(c.Context(), id)
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
			"job":        a.threatPoller.Status(),
			"controller": a.unifi.Status(),
		})
	})

	r.Post("/refresh", func(c *fiber.Ctx) error {
		if err := a.threatPoller.TriggerOnce(c.Context()); err == errPollBusy {
			return c.Status(http.StatusConflict).JSON(fiber.Map{
				"code": "refresh_in_progress", "message": "A poll cycle is already running",
			})
		} else if err != nil {
			return serverError(c, a, "refresh_failed", err)
		}
		return c.JSON(SuccessResponse{Success: true, Message: "refreshed"})
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, "invalid_id", "Invalid event id")
		}
		ev, ok, err := a.store.GetThreatEvent(c.Context(), id)
		if err != nil {
			return serverError(c, a, "get_threat_failed", err)
		}
		if !ok {
			return notFound(c, "Event not found")
		}
		return c.JSON(ev)
	})

	// One-click rule from an event's source address.
	r.Post("/:id/ignore", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, "invalid_id", "Invalid event id")
		}
		ev, ok, err := a.store.GetThreatEvent(c.Context(), id)
		if err != nil {
			return serverError(c, a, "get_threat_failed", err)
		}
		if !ok {
			return notFound(c, "Event not found")
		}
		if !isValidIPv4(ev.SrcIP) {
			return badRequest(c, "no_source_ip", "Event has no usable source address")
		}

		rule := ThreatIgnoreRule{
			IPAddress:   ev.SrcIP,
			Description: fmt.Sprintf("Ignore %s (from event %s)", ev.SrcIP, ev.EventID),
			IgnoreHigh:  true, IgnoreMedium: true, IgnoreLow: true,
			MatchSource: true,
			Enabled:     true,
		}
		created, err := a.store.CreateIgnoreRule(c.Context(), rule)
		if err != nil {
			return serverError(c, a, "create_rule_failed", err)
		}
		matched, err := a.store.ApplyIgnoreRule(c.Context(), created)
		if err != nil {
			return serverError(c, a, "apply_rule_failed", err)
		}
		created.EventsIgnored = matched
		a.log.Info("ignore_rule_from_event", "rule_id", created.ID, "event_id", ev.EventID, "matched", matched)
		return c.Status(http.StatusCreated).JSON(created)
	})
}

func (a *App) ruleFromParam(c *fiber.Ctx) (ThreatIgnoreRule, bool, error) {
	id, err := strconv.ParseInt(c.Params("rid"), 10, 64)
	if err != nil {
		return ThreatIgnoreRule{}, false, badRequest(c, "invalid_id", "Invalid rule id")
	}
	rule, ok, err := a.store.GetIgnoreRule(c.Context(), id)
	if err != nil {
		return ThreatIgnoreRule{}, false, serverError(c, a, "get_rule_failed", err)
	}
	return rule, ok, nil
}

// ruleFromRequest overlays a request onto base values and validates the
// result. Returns a human-readable problem description when invalid.
func ruleFromRequest(req IgnoreRuleRequest, base ThreatIgnoreRule) (ThreatIgnoreRule, string) {
	rule := base
	rule.IPAddress = strings.TrimSpace(req.IPAddress)
	rule.Description = strings.TrimSpace(req.Description)
	rule.IgnoreHigh = boolOr(req.IgnoreHigh, base.IgnoreHigh)
	rule.IgnoreMedium = boolOr(req.IgnoreMedium, base.IgnoreMedium)
	rule.IgnoreLow = boolOr(req.IgnoreLow, base.IgnoreLow)
	rule.MatchSource = boolOr(req.MatchSource, base.MatchSource)
	rule.MatchDestination = boolOr(req.MatchDestination, base.MatchDestination)
	rule.Enabled = boolOr(req.Enabled, base.Enabled)

	if !isValidIPv4(rule.IPAddress) {
		return rule, "ip_address must be a valid IPv4 address"
	}
	if !rule.IgnoreHigh && !rule.IgnoreMedium && !rule.IgnoreLow {
		return rule, "at least one severity must be selected"
	}
	if !rule.MatchSource && !rule.MatchDestination {
		return rule, "at least one of match_source or match_destination must be selected"
	}
	return rule, ""
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
