// Package memory provides an in-memory implementation of billing.Store and
// billing.EventLedger. It is intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

// Storage implements billing.Store and billing.EventLedger using in-memory maps.
// Every method runs under a single lock, which gives the same atomicity the
// SQL store gets from transactions.
type Storage struct {
	mu            sync.RWMutex
	profiles      map[string]*billing.Profile      // user id -> profile
	subscriptions map[string]*billing.Subscription // stripe subscription id -> record
	payments      map[string]*billing.Payment      // stripe invoice id -> record
	events        map[string]string                // event id -> event type
	now           func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles:      make(map[string]*billing.Profile),
		subscriptions: make(map[string]*billing.Subscription),
		payments:      make(map[string]*billing.Payment),
		events:        make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// PutProfile inserts or replaces a profile. Profiles are created by the
// signup flow, not by the payment processor, so only tests and seeding
// code call this.
func (s *Storage) PutProfile(p *billing.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profileCopy := *p
	s.profiles[p.ID] = &profileCopy
}

// GetProfile implements billing.Store
func (s *Storage) GetProfile(_ context.Context, userID string) (*billing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, billing.ErrProfileNotFound
	}
	profileCopy := *p
	return &profileCopy, nil
}

// FindProfileByCustomerID implements billing.Store
func (s *Storage) FindProfileByCustomerID(_ context.Context, customerID string) (*billing.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if customerID == "" {
		return nil, billing.ErrProfileNotFound
	}
	for _, p := range s.profiles {
		if p.StripeCustomerID == customerID {
			profileCopy := *p
			return &profileCopy, nil
		}
	}
	return nil, billing.ErrProfileNotFound
}

// LinkCustomer implements billing.Store
func (s *Storage) LinkCustomer(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return billing.ErrProfileNotFound
	}
	p.StripeCustomerID = customerID
	return nil
}

// CreateSubscription implements billing.Store
func (s *Storage) CreateSubscription(_ context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.StripeSubscriptionID == "" || sub.UserID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.StripeSubscriptionID]; exists {
		return false, nil
	}

	now := s.now()
	subCopy := *sub
	subCopy.CanceledAt = copyTime(sub.CanceledAt)
	if subCopy.ID == "" {
		subCopy.ID = uuid.NewString()
	}
	subCopy.CreatedAt = now
	subCopy.UpdatedAt = now
	s.subscriptions[sub.StripeSubscriptionID] = &subCopy

	if p, ok := s.profiles[sub.UserID]; ok {
		p.StripeSubscriptionID = sub.StripeSubscriptionID
		p.SubscriptionStatus = sub.Status
		p.PlanID = sub.Plan
	}
	return true, nil
}

// UpdateSubscription implements billing.Store
func (s *Storage) UpdateSubscription(_ context.Context, sub *billing.Subscription) (*billing.Transition, error) {
	if sub == nil || sub.StripeSubscriptionID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.StripeSubscriptionID]
	if !ok {
		return nil, nil
	}

	from := existing.Status
	existing.Status = sub.Status
	existing.CurrentPeriodStart = sub.CurrentPeriodStart
	existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
	existing.Plan = sub.Plan
	existing.PriceID = sub.PriceID
	existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	existing.CanceledAt = copyTime(sub.CanceledAt)
	if sub.StripeCustomerID != "" {
		existing.StripeCustomerID = sub.StripeCustomerID
	}
	existing.UpdatedAt = s.now()

	s.project(existing)
	return &billing.Transition{UserID: existing.UserID, From: from, To: existing.Status}, nil
}

// CancelSubscription implements billing.Store
func (s *Storage) CancelSubscription(_ context.Context, stripeSubscriptionID string, canceledAt time.Time) (*billing.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil, nil
	}

	from := existing.Status
	at := canceledAt.UTC()
	existing.Status = billing.StatusCanceled
	existing.CanceledAt = &at
	existing.UpdatedAt = s.now()

	s.project(existing)
	return &billing.Transition{UserID: existing.UserID, From: from, To: billing.StatusCanceled}, nil
}

// project mirrors sub onto its owner's profile unless the profile already
// points at a different subscription. Caller holds the write lock.
func (s *Storage) project(sub *billing.Subscription) {
	p, ok := s.profiles[sub.UserID]
	if !ok {
		return
	}
	if p.StripeSubscriptionID != "" && p.StripeSubscriptionID != sub.StripeSubscriptionID {
		return
	}
	p.StripeSubscriptionID = sub.StripeSubscriptionID
	p.SubscriptionStatus = sub.Status
	p.PlanID = sub.Plan
}

// GetSubscription implements billing.Store
func (s *Storage) GetSubscription(_ context.Context, stripeSubscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[stripeSubscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	subCopy := *sub
	subCopy.CanceledAt = copyTime(sub.CanceledAt)
	return &subCopy, nil
}

// UpsertPayment implements billing.Store
func (s *Storage) UpsertPayment(_ context.Context, p *billing.Payment) (bool, error) {
	if p == nil || p.StripeInvoiceID == "" {
		return false, fmt.Errorf("invalid payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.payments[p.StripeInvoiceID]; ok {
		existing.Status = p.Status
		existing.Amount = p.Amount
		existing.Currency = p.Currency
		existing.FailureReason = copyString(p.FailureReason)
		existing.PeriodStart = p.PeriodStart
		existing.PeriodEnd = p.PeriodEnd
		existing.UpdatedAt = now
		return false, nil
	}

	paymentCopy := *p
	if paymentCopy.ID == "" {
		paymentCopy.ID = uuid.NewString()
	}
	paymentCopy.FailureReason = copyString(p.FailureReason)
	paymentCopy.CreatedAt = now
	paymentCopy.UpdatedAt = now
	s.payments[p.StripeInvoiceID] = &paymentCopy
	return true, nil
}

// GetPayment implements billing.Store
func (s *Storage) GetPayment(_ context.Context, stripeInvoiceID string) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[stripeInvoiceID]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	paymentCopy := *p
	paymentCopy.FailureReason = copyString(p.FailureReason)
	return &paymentCopy, nil
}

// ListPayments implements billing.Store
func (s *Storage) ListPayments(_ context.Context, stripeSubscriptionID string, limit int) ([]*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[stripeSubscriptionID]
	if !ok {
		return []*billing.Payment{}, nil
	}

	result := make([]*billing.Payment, 0)
	for _, p := range s.payments {
		if p.SubscriptionID != sub.ID {
			continue
		}
		paymentCopy := *p
		paymentCopy.FailureReason = copyString(p.FailureReason)
		result = append(result, &paymentCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].StripeInvoiceID > result[j].StripeInvoiceID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SetTrialWillEnd implements billing.Store
func (s *Storage) SetTrialWillEnd(_ context.Context, userID string, notified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return billing.ErrProfileNotFound
	}
	p.TrialWillEndNotified = notified
	return nil
}

// Ping implements billing.Store
func (s *Storage) Ping(_ context.Context) error {
	return nil
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = eventType
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
