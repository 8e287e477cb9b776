package httpapi

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bookstore/services/circulation/internal/events"
)

// HealthFunc reports whether a dependency is usable
type HealthFunc func() error

// Config wires the router's collaborators
type Config struct {
	Handler  *Handler
	Gatherer prometheus.Gatherer
	Health   map[string]HealthFunc
	Log      *zap.Logger
}

// NewApp builds the Fiber application with every route registered
func NewApp(cfg Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "circulation",
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(correlation())
	app.Use(accessLog(cfg.Log))

	app.Get("/healthz", healthz(cfg.Health))
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	h := cfg.Handler
	api := app.Group("/api")

	loans := api.Group("/loans")
	loans.Post("/reserve", h.Reserve)
	loans.Post("/assign", h.Assign)
	loans.Get("/", h.ListLoans)
	loans.Get("/:id", h.GetLoan)
	loans.Get("/:id/fine-estimate", h.EstimateFine)
	loans.Post("/:id/pickup", h.ConfirmPickup)
	loans.Post("/:id/cancel", h.Cancel)
	loans.Post("/:id/return", h.Return)

	api.Get("/settings", h.GetPolicy)
	api.Put("/settings", h.UpdatePolicy)

	api.Get("/books/:id/availability", h.GetAvailability)
	api.Put("/books/:id/availability", h.SetAvailability)

	return app
}

// correlation carries the request id into the request context so events
// published for this request share it
func correlation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id, ok := c.Locals("requestid").(string); ok && id != "" {
			c.SetUserContext(events.WithCorrelationID(c.UserContext(), id))
		}
		return c.Next()
	}
}

func accessLog(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		log.Debug("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(started)),
		)
		return err
	}
}

func healthz(checks map[string]HealthFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := fiber.StatusOK
		report := fiber.Map{}
		for name, check := range checks {
			if err := check(); err != nil {
				status = fiber.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}

		overall := "ok"
		if status != fiber.StatusOK {
			overall = "degraded"
		}
		return c.Status(status).JSON(fiber.Map{
			"status":      overall,
			"checks":      report,
			"server_time": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
