package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
)

// HealthChecker is the store's liveness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RegisterRoutes wires the REST surface. nc and st may be nil in tests; the
// health endpoint then skips the corresponding check.
func RegisterRoutes(app *fiber.App, nc *nats.Conn, st HealthChecker, h *Handler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":  "ok",
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if nc != nil {
			if !nc.IsConnected() {
				checks["nats"] = "disconnected"
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
				checks["nats"] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		if st != nil {
			healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := st.HealthCheck(healthCtx); err != nil {
				checks["store"] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Post("/rfqs", h.CreateRFQ)
	v1.Post("/rfqs/:id/transitions", h.Transition)
	v1.Post("/rfqs/:id/bids", h.SubmitBid)
	v1.Delete("/rfqs/:id/bids/:bid_id", h.WithdrawBid)
	v1.Get("/rfqs/:id", h.GetRFQ)
	v1.Get("/rfqs/:id/ranking", h.GetRanking)
}
