package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stratplan/internal/billing"
	"stratplan/internal/core"
	"stratplan/internal/external"
	"stratplan/internal/types"
)

// maxWebhookBodySize is the maximum accepted provider payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// EventClaimer records processed provider event ids. TryClaim returns false
// when the id was claimed before.
type EventClaimer interface {
	TryClaim(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
}

// EventApplier applies a decoded provider event to local state.
type EventApplier interface {
	Apply(ctx context.Context, ev billing.Event) error
}

// WebhookMetrics records the outcome of each delivery.
type WebhookMetrics interface {
	RecordWebhook(ctx context.Context, eventType string, outcome types.WebhookOutcome)
}

type noopWebhookMetrics struct{}

func (noopWebhookMetrics) RecordWebhook(context.Context, string, types.WebhookOutcome) {}

// StripeWebhookHandler receives provider events. It is mounted outside the
// authenticated group; the Stripe-Signature header is the only credential.
type StripeWebhookHandler struct {
	verifier external.EventVerifier
	ledger   EventClaimer
	applier  EventApplier
	metrics  WebhookMetrics
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. metrics may be
// nil.
func NewStripeWebhookHandler(
	verifier external.EventVerifier,
	ledger EventClaimer,
	applier EventApplier,
	metrics WebhookMetrics,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopWebhookMetrics{}
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		ledger:   ledger,
		applier:  applier,
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint on the public router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

type webhookAck struct {
	Status string `json:"status"`
}

// Handle processes one delivery:
//  1. Read the body (64 KB cap) and verify the signature before parsing.
//  2. Claim the event id. Only a ledger failure answers 5xx, so the
//     provider redelivers; a repeat delivery is acknowledged as duplicate.
//  3. Decode and apply. Failures past the claim are logged and still
//     acknowledged; the resync sweep converges whatever was missed.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := types.LoggerFromContext(ctx, h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.metrics.RecordWebhook(ctx, "unknown", types.WebhookRejected)
		msg := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			msg = "webhook payload is too large"
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, msg, err))
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.WarnContext(ctx, "webhook rejected", "error", err)
		h.metrics.RecordWebhook(ctx, "unknown", types.WebhookRejected)
		core.Error(w, r, err)
		return
	}

	log = log.With("event_id", event.ID, "event_type", event.Type)

	claimed, err := h.ledger.TryClaim(ctx, event.ID, event.Type, payload)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim webhook event", "error", err)
		h.metrics.RecordWebhook(ctx, event.Type, types.WebhookFailed)
		core.Error(w, r, err)
		return
	}
	if !claimed {
		log.InfoContext(ctx, "duplicate webhook event ignored")
		h.metrics.RecordWebhook(ctx, event.Type, types.WebhookDuplicate)
		core.JSON(w, r, http.StatusOK, webhookAck{Status: "duplicate"})
		return
	}

	outcome := h.apply(ctx, log, event)
	h.metrics.RecordWebhook(ctx, event.Type, outcome)
	core.JSON(w, r, http.StatusOK, webhookAck{Status: "processed"})
}

func (h *StripeWebhookHandler) apply(ctx context.Context, log *slog.Logger, event *external.VerifiedEvent) types.WebhookOutcome {
	decoded, err := billing.DecodeEvent(event.ID, event.Type, event.Created, event.Object)
	if err != nil {
		log.ErrorContext(ctx, "failed to decode webhook event", "error", err)
		return types.WebhookFailed
	}
	if _, ok := decoded.(billing.Unhandled); ok {
		log.DebugContext(ctx, "ignoring unhandled webhook event type")
		return types.WebhookIgnored
	}

	if err := h.applier.Apply(ctx, decoded); err != nil {
		log.ErrorContext(ctx, "webhook event processing failed", "error", err)
		return types.WebhookFailed
	}
	log.InfoContext(ctx, "webhook event processed")
	return types.WebhookProcessed
}
