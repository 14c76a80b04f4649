package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
	"github.com/mihaimyh/paywebhook/pkg/billing/internal"
)

// Event types routed by processWebhookEvent.
const (
	EventCheckoutSessionCompleted     = "checkout.session.completed"
	EventSubscriptionCreated          = "customer.subscription.created"
	EventSubscriptionUpdated          = "customer.subscription.updated"
	EventSubscriptionDeleted          = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd     = "customer.subscription.trial_will_end"
	EventInvoicePaymentSucceeded      = "invoice.payment_succeeded"
	EventInvoicePaymentFailed         = "invoice.payment_failed"
	EventInvoicePaymentActionRequired = "invoice.payment_action_required"
)

// errUnhandledEvent marks event types the router does not handle. Such
// deliveries are acknowledged so Stripe stops sending them.
var errUnhandledEvent = errors.New("unhandled event type")

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			writeWebhookError(w, http.StatusRequestEntityTooLarge, err.Error())
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			writeWebhookError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if err := p.verifier.Verify(body, r.Header.Get("Stripe-Signature")); err != nil {
		p.logger.Warn("webhook signature verification failed",
			billing.Field{Key: "error", Value: err.Error()},
			billing.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
		)
		p.metrics.RecordWebhookError(providerName, "signature_invalid")
		writeWebhookError(w, http.StatusBadRequest, err.Error())
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil || event.Type == "" {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		writeWebhookError(w, http.StatusBadRequest, billing.ErrInvalidWebhookPayload.Error())
		return
	}

	ctx := r.Context()
	eventType := string(event.Type)

	if p.alreadyProcessed(ctx, &event) {
		fields := []billing.Field{
			{Key: "event_id", Value: event.ID},
			{Key: "event_type", Value: eventType},
		}
		if at, ok := p.processedAt(ctx, event.ID); ok {
			fields = append(fields, billing.Field{Key: "processed_at", Value: at})
		}
		p.logger.Debug("webhook event already processed", fields...)
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		writeOK(w)
		return
	}

	err = p.processWebhookEvent(ctx, &event)
	switch {
	case errors.Is(err, errUnhandledEvent):
		p.logger.Debug("ignoring unhandled webhook event",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: eventType},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		writeOK(w)
		return
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.logger.Warn("webhook event payload rejected",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		writeWebhookError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		p.logger.Error("webhook processing failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		internal.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p.markProcessed(ctx, &event)
	writeOK(w)

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent routes a verified event to its handler by exact type match
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case EventCheckoutSessionCompleted:
		return p.handleCheckoutSessionCompleted(ctx, event)
	case EventSubscriptionCreated:
		return p.handleSubscriptionCreated(ctx, event)
	case EventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event)
	case EventInvoicePaymentSucceeded:
		return p.handleInvoicePayment(ctx, event, billing.PaymentSucceeded)
	case EventInvoicePaymentFailed:
		return p.handleInvoicePayment(ctx, event, billing.PaymentFailed)
	case EventInvoicePaymentActionRequired:
		return p.handleInvoicePayment(ctx, event, billing.PaymentRequiresAction)
	case EventSubscriptionTrialWillEnd:
		return p.handleTrialWillEnd(ctx, event)
	default:
		return errUnhandledEvent
	}
}

// alreadyProcessed consults the ledger. Ledger failures are logged and
// treated as "not seen": handlers are idempotent on their own.
func (p *Provider) alreadyProcessed(ctx context.Context, event *stripe.Event) bool {
	if p.ledger == nil || event.ID == "" {
		return false
	}
	seen, err := p.ledger.Seen(ctx, event.ID)
	if err != nil {
		p.logger.Warn("event ledger lookup failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "error", Value: err.Error()},
		)
		return false
	}
	return seen
}

// processedAt reports when a duplicate was first processed, if the ledger
// keeps that. Lookup failures only cost the log field.
func (p *Provider) processedAt(ctx context.Context, eventID string) (time.Time, bool) {
	ledger, ok := p.ledger.(billing.ProcessedAtLedger)
	if !ok {
		return time.Time{}, false
	}
	at, found, err := ledger.ProcessedAt(ctx, eventID)
	if err != nil || !found {
		return time.Time{}, false
	}
	return at, true
}

func (p *Provider) markProcessed(ctx context.Context, event *stripe.Event) {
	if p.ledger == nil || event.ID == "" {
		return
	}
	if err := p.ledger.MarkProcessed(ctx, event.ID, string(event.Type)); err != nil {
		p.logger.Warn("event ledger write failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "error", Value: err.Error()},
		)
	}
}

// decodeEventObject unmarshals the event's data.object into dst.
func decodeEventObject(event *stripe.Event, dst interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", billing.ErrInvalidWebhookPayload, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("%w: failed to decode %s object: %v", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return nil
}

// notify invokes the configured WebhookCallback, if any.
func (p *Provider) notify(ctx context.Context, event *stripe.Event, we billing.WebhookEvent) error {
	if p.callback == nil {
		return nil
	}
	we.EventID = event.ID
	we.EventType = string(event.Type)
	we.Provider = providerName
	we.EventTimestamp = eventTime(event)
	if err := p.callback(ctx, we); err != nil {
		return fmt.Errorf("webhook callback failed: %w", err)
	}
	return nil
}

// Helper functions

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeWebhookError(w http.ResponseWriter, code int, msg string) {
	internal.WriteText(w, code, "Webhook Error: "+msg)
}

func writeOK(w http.ResponseWriter) {
	internal.WriteText(w, http.StatusOK, "ok")
}

func eventTime(event *stripe.Event) time.Time {
	if event.Created > 0 {
		return unixUTC(event.Created)
	}
	return time.Time{}
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
