package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

// invoicePayload is the part of an invoice object the processor reads.
// The subscription link moved from the top level to parent details in
// recent API versions, so both shapes are decoded.
type invoicePayload struct {
	ID                    string         `json:"id"`
	Customer              expandableID   `json:"customer"`
	Subscription          expandableID   `json:"subscription"`
	AmountPaid            int64          `json:"amount_paid"`
	AmountDue             int64          `json:"amount_due"`
	Currency              string         `json:"currency"`
	PeriodStart           int64          `json:"period_start"`
	PeriodEnd             int64          `json:"period_end"`
	Parent                *invoiceParent `json:"parent"`
	Lines                 *invoiceLines  `json:"lines"`
	LastFinalizationError *invoiceError  `json:"last_finalization_error"`
}

type invoiceParent struct {
	SubscriptionDetails *struct {
		Subscription expandableID `json:"subscription"`
	} `json:"subscription_details"`
}

type invoiceLines struct {
	Data []invoiceLine `json:"data"`
}

type invoiceLine struct {
	Subscription expandableID `json:"subscription"`
	Period       *struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Parent *struct {
		SubscriptionItemDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_item_details"`
	} `json:"parent"`
}

type invoiceError struct {
	Message string `json:"message"`
}

// expandableID decodes a field that is either an id string or an expanded
// object carrying an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

func (l *invoiceLine) subscriptionID() string {
	if l.Parent != nil && l.Parent.SubscriptionItemDetails != nil && l.Parent.SubscriptionItemDetails.Subscription != "" {
		return string(l.Parent.SubscriptionItemDetails.Subscription)
	}
	return string(l.Subscription)
}

// subscriptionID resolves the subscription the invoice bills: line item
// parent details first, then the invoice parent, then the legacy field.
func (inv *invoicePayload) subscriptionID() string {
	if inv.Lines != nil {
		for i := range inv.Lines.Data {
			if id := inv.Lines.Data[i].subscriptionID(); id != "" {
				return id
			}
		}
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return string(inv.Subscription)
}

// period returns the service period of the subscription line, falling back
// to the invoice's own period.
func (inv *invoicePayload) period(subscriptionID string) (time.Time, time.Time) {
	if inv.Lines != nil {
		for i := range inv.Lines.Data {
			line := &inv.Lines.Data[i]
			if line.Period == nil || line.subscriptionID() != subscriptionID {
				continue
			}
			return unixOrZero(line.Period.Start), unixOrZero(line.Period.End)
		}
	}
	return unixOrZero(inv.PeriodStart), unixOrZero(inv.PeriodEnd)
}

func (inv *invoicePayload) failureReason() string {
	if inv.LastFinalizationError != nil && inv.LastFinalizationError.Message != "" {
		return inv.LastFinalizationError.Message
	}
	return billing.DefaultFailureReason
}

// handleInvoicePayment records the outcome of an invoice payment attempt.
// Invoices not tied to a locally known subscription are skipped.
func (p *Provider) handleInvoicePayment(ctx context.Context, event *stripe.Event, status billing.PaymentStatus) error {
	var inv invoicePayload
	if err := decodeEventObject(event, &inv); err != nil {
		return err
	}
	if inv.ID == "" {
		return fmt.Errorf("%w: invoice without id", billing.ErrInvalidWebhookPayload)
	}

	subscriptionID := inv.subscriptionID()
	if subscriptionID == "" {
		p.logger.Debug("invoice not tied to a subscription",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "invoice_id", Value: inv.ID},
		)
		return nil
	}

	sub, err := p.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			p.logger.Warn("invoice for unknown subscription",
				billing.Field{Key: "event_id", Value: event.ID},
				billing.Field{Key: "invoice_id", Value: inv.ID},
				billing.Field{Key: "subscription_id", Value: subscriptionID},
			)
			return nil
		}
		return fmt.Errorf("failed to load subscription %s: %w", subscriptionID, err)
	}

	periodStart, periodEnd := inv.period(subscriptionID)
	payment := &billing.Payment{
		UserID:          sub.UserID,
		SubscriptionID:  sub.ID,
		StripeInvoiceID: inv.ID,
		Currency:        inv.Currency,
		Status:          status,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
	}
	switch status {
	case billing.PaymentSucceeded:
		payment.Amount = inv.AmountPaid
	case billing.PaymentFailed:
		payment.Amount = inv.AmountDue
		reason := inv.failureReason()
		payment.FailureReason = &reason
	default:
		payment.Amount = inv.AmountDue
	}

	created, err := p.store.UpsertPayment(ctx, payment)
	if err != nil {
		return fmt.Errorf("failed to record payment for invoice %s: %w", inv.ID, err)
	}

	logFields := []billing.Field{
		{Key: "user_id", Value: sub.UserID},
		{Key: "invoice_id", Value: inv.ID},
		{Key: "subscription_id", Value: subscriptionID},
		{Key: "status", Value: string(status)},
		{Key: "amount", Value: payment.Amount},
		{Key: "created", Value: created},
	}
	if status == billing.PaymentSucceeded {
		p.logger.Info("payment recorded", logFields...)
	} else {
		p.logger.Warn("payment recorded", logFields...)
	}
	p.metrics.RecordPayment(providerName, string(status))

	return p.notify(ctx, event, billing.WebhookEvent{
		UserID:         sub.UserID,
		SubscriptionID: subscriptionID,
		PreviousStatus: sub.Status,
		NewStatus:      sub.Status,
		Payment:        payment,
	})
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return unixUTC(sec)
}
