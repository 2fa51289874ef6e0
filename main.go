package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const appVersion = "0.4.0"

// App owns every long-lived component. Handlers and pollers hang off it so
// nothing lives in package globals.
type App struct {
	store    *Store
	unifi    Controller
	hub      *wsHub
	notifier *Notifier
	pulse    *PulseCache
	metrics  *Metrics
	log      *slog.Logger

	stalkerPoller *Poller
	threatPoller  *Poller
	pulsePoller   *Poller
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	store, err := OpenStore(getenv("DATA_DB", "data/unifi-watch.db"), logger)
	if err != nil {
		logger.Error("store_open_failed", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	unifi := NewUniFiClient(
		getenv("UNIFI_URL", ""),
		getenv("UNIFI_SITE", "default"),
		getenv("UNIFI_API_KEY", ""),
		getenv("UNIFI_USER", ""),
		getenv("UNIFI_PASS", ""),
		getenvBool("UNIFI_VERIFY_SSL", true),
		getenvBool("DEMO_MODE", false),
	)

	hub := newWSHub(logger)
	metrics := NewMetrics(appVersion)
	a := &App{
		store:    store,
		unifi:    unifi,
		hub:      hub,
		notifier: NewNotifier(store, hub, logger),
		pulse:    &PulseCache{},
		metrics:  metrics,
		log:      logger,
	}

	a.stalkerPoller = NewPoller("stalker",
		time.Duration(getenvInt("STALKER_POLL_INTERVAL_SEC", 30))*time.Second,
		a.stalkerCycle, metrics, logger)
	a.threatPoller = NewPoller("threats",
		time.Duration(getenvInt("THREAT_POLL_INTERVAL_SEC", 60))*time.Second,
		a.threatCycle, metrics, logger)
	a.pulsePoller = NewPoller("pulse",
		time.Duration(getenvInt("PULSE_POLL_INTERVAL_SEC", 30))*time.Second,
		a.pulseCycle, metrics, logger)

	ctx := context.Background()
	go a.stalkerPoller.Run(ctx)
	go a.threatPoller.Run(ctx)
	go a.pulsePoller.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName: "unifi-watch-api",
	})

	apiToken := getenv("API_TOKEN", "")

	// Simple bearer auth if API_TOKEN is set.
	authMiddleware := func(c *fiber.Ctx) error {
		if apiToken == "" {
			return c.Next()
		}
		if c.Get("Authorization") != "Bearer "+apiToken {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"code":    "unauthorized",
				"message": "Invalid or missing token",
			})
		}
		return c.Next()
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": appVersion, "time": time.Now().UTC()})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		metrics.WSClients.Inc()
		defer metrics.WSClients.Dec()
		hub.Handle(c)
	}))

	api := app.Group("/api", authMiddleware)
	a.registerDeviceRoutes(api.Group("/stalker"))
	a.registerThreatRoutes(api.Group("/threats"))
	a.registerPulseRoutes(api.Group("/pulse"))

	addr := getenv("API_ADDR", ":8080")
	logger.Info("api_listening", "addr", addr, "version", appVersion, "demo", unifi.Status().Demo)
	if err := app.Listen(addr); err != nil {
		logger.Error("api_start_failed", "error", err.Error())
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}
