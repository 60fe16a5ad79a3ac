package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/coachly/coachly/internal/pkg/billing"
)

// WebhookController receives signed provider events. The signature header is
// the only authentication on these routes.
type WebhookController struct {
	reconciler *billing.Reconciler
}

func NewWebhookController(reconciler *billing.Reconciler) *WebhookController {
	return &WebhookController{reconciler: reconciler}
}

// HandleEvent verifies and applies one provider delivery. Both the
// subscription and payments webhook routes land here; the reconciler
// dispatches by event type.
func (wc *WebhookController) HandleEvent(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := wc.reconciler.Handle(ctx, rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
		case errors.Is(err, billing.ErrNotConfigured):
			return jsonError(c, fiber.StatusServiceUnavailable, "billing_not_configured", "Webhook secret is not configured")
		default:
			return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed", "Failed to persist webhook event")
		}
	}

	resp := fiber.Map{"received": true}
	if result.Duplicate {
		resp["duplicate"] = true
	}
	if result.Ignored {
		resp["ignored"] = true
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
