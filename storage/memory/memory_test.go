package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywebhook/pkg/billing"
)

func seeded(t *testing.T) *Storage {
	t.Helper()
	s := New()
	s.PutProfile(&billing.Profile{ID: "user-1", StripeCustomerID: "cus_1"})
	s.PutProfile(&billing.Profile{ID: "user-2"})
	return s
}

func testSubscription() *billing.Subscription {
	return &billing.Subscription{
		UserID:               "user-1",
		StripeSubscriptionID: "sub_1",
		StripeCustomerID:     "cus_1",
		Status:               billing.StatusTrialing,
		CurrentPeriodStart:   time.Unix(1_700_000_000, 0).UTC(),
		CurrentPeriodEnd:     time.Unix(1_702_592_000, 0).UTC(),
		Plan:                 "pro",
		PriceID:              "price_pro",
	}
}

func TestStorage_Profiles(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	p, err := s.FindProfileByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.ID)

	_, err = s.FindProfileByCustomerID(ctx, "cus_missing")
	assert.ErrorIs(t, err, billing.ErrProfileNotFound)

	_, err = s.FindProfileByCustomerID(ctx, "")
	assert.ErrorIs(t, err, billing.ErrProfileNotFound)

	require.NoError(t, s.LinkCustomer(ctx, "user-2", "cus_2"))
	p, err = s.FindProfileByCustomerID(ctx, "cus_2")
	require.NoError(t, err)
	assert.Equal(t, "user-2", p.ID)

	assert.ErrorIs(t, s.LinkCustomer(ctx, "ghost", "cus_3"), billing.ErrProfileNotFound)

	// returned profiles are copies
	p.PlanID = "mutated"
	again, err := s.GetProfile(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, again.PlanID)
}

func TestStorage_CreateSubscriptionProjectsProfile(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	created, err := s.CreateSubscription(ctx, testSubscription())
	require.NoError(t, err)
	assert.True(t, created)

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
	assert.False(t, sub.CreatedAt.IsZero())

	p, err := s.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", p.StripeSubscriptionID)
	assert.Equal(t, billing.StatusTrialing, p.SubscriptionStatus)
	assert.Equal(t, "pro", p.PlanID)
}

func TestStorage_CreateSubscriptionIsInsertIfAbsent(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	_, err := s.CreateSubscription(ctx, testSubscription())
	require.NoError(t, err)

	dup := testSubscription()
	dup.Status = billing.StatusActive
	dup.Plan = "team"
	created, err := s.CreateSubscription(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, sub.Status, "existing row must not be overwritten")
	assert.Equal(t, "pro", sub.Plan)
}

func TestStorage_CreateSubscriptionCopiesCanceledAt(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	canceledAt := time.Unix(1_701_000_000, 0).UTC()
	sub := testSubscription()
	sub.CanceledAt = &canceledAt
	_, err := s.CreateSubscription(ctx, sub)
	require.NoError(t, err)

	*sub.CanceledAt = canceledAt.Add(time.Hour)

	stored, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, stored.CanceledAt)
	assert.True(t, canceledAt.Equal(*stored.CanceledAt))
}

func TestStorage_ConcurrentCreateYieldsOneRow(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inserts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateSubscription(ctx, testSubscription())
			assert.NoError(t, err)
			if created {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserts)
	assert.Len(t, s.subscriptions, 1)
}

func TestStorage_UpdateSubscription(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	tr, err := s.UpdateSubscription(ctx, testSubscription())
	require.NoError(t, err)
	assert.Nil(t, tr, "update of unknown subscription is a no-op")
	assert.Empty(t, s.subscriptions)

	_, err = s.CreateSubscription(ctx, testSubscription())
	require.NoError(t, err)

	upd := testSubscription()
	upd.UserID = ""
	upd.Status = billing.StatusPastDue
	upd.Plan = "team"
	upd.CurrentPeriodEnd = upd.CurrentPeriodEnd.Add(24 * time.Hour)
	tr, err = s.UpdateSubscription(ctx, upd)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "user-1", tr.UserID)
	assert.Equal(t, billing.StatusTrialing, tr.From)
	assert.Equal(t, billing.StatusPastDue, tr.To)
	assert.True(t, tr.Changed())

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub.UserID, "owner is never rewritten by updates")
	assert.Equal(t, upd.CurrentPeriodEnd, sub.CurrentPeriodEnd)

	p, err := s.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, p.SubscriptionStatus)
	assert.Equal(t, "team", p.PlanID)
}

func TestStorage_ProjectionIgnoresSupersededSubscription(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	old := testSubscription()
	_, err := s.CreateSubscription(ctx, old)
	require.NoError(t, err)

	replacement := testSubscription()
	replacement.StripeSubscriptionID = "sub_2"
	replacement.Status = billing.StatusActive
	_, err = s.CreateSubscription(ctx, replacement)
	require.NoError(t, err)

	_, err = s.CancelSubscription(ctx, "sub_1", time.Unix(1_700_100_000, 0))
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_2", p.StripeSubscriptionID)
	assert.Equal(t, billing.StatusActive, p.SubscriptionStatus)
}

func TestStorage_CancelSubscription(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	tr, err := s.CancelSubscription(ctx, "sub_1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, tr)

	_, err = s.CreateSubscription(ctx, testSubscription())
	require.NoError(t, err)

	at := time.Unix(1_700_500_000, 0)
	tr, err = s.CancelSubscription(ctx, "sub_1", at)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, billing.StatusCanceled, tr.To)

	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.Equal(at))

	p, err := s.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, p.SubscriptionStatus)
}

func TestStorage_UpsertPaymentLastWriteWins(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	created, err := s.UpsertPayment(ctx, &billing.Payment{
		UserID:          "user-1",
		SubscriptionID:  "internal-1",
		StripeInvoiceID: "in_1",
		Amount:          1999,
		Currency:        "usd",
		Status:          billing.PaymentSucceeded,
	})
	require.NoError(t, err)
	assert.True(t, created)

	reason := "card_declined"
	created, err = s.UpsertPayment(ctx, &billing.Payment{
		UserID:          "user-1",
		SubscriptionID:  "internal-1",
		StripeInvoiceID: "in_1",
		Amount:          1999,
		Currency:        "usd",
		Status:          billing.PaymentFailed,
		FailureReason:   &reason,
	})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := s.GetPayment(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentFailed, p.Status)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, "card_declined", *p.FailureReason)
	assert.Len(t, s.payments, 1)

	_, err = s.GetPayment(ctx, "in_missing")
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
}

func TestStorage_ListPayments(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	_, err := s.CreateSubscription(ctx, testSubscription())
	require.NoError(t, err)
	sub, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 3; i++ {
		i := i
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		_, err := s.UpsertPayment(ctx, &billing.Payment{
			UserID:          "user-1",
			SubscriptionID:  sub.ID,
			StripeInvoiceID: fmt.Sprintf("in_%d", i),
			Status:          billing.PaymentSucceeded,
		})
		require.NoError(t, err)
	}
	_, err = s.UpsertPayment(ctx, &billing.Payment{SubscriptionID: "other", StripeInvoiceID: "in_other"})
	require.NoError(t, err)

	payments, err := s.ListPayments(ctx, "sub_1", 2)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "in_2", payments[0].StripeInvoiceID)
	assert.Equal(t, "in_1", payments[1].StripeInvoiceID)

	empty, err := s.ListPayments(ctx, "sub_missing", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStorage_TrialWillEndAndLedger(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	require.NoError(t, s.SetTrialWillEnd(ctx, "user-1", true))
	p, err := s.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, p.TrialWillEndNotified)
	assert.ErrorIs(t, s.SetTrialWillEnd(ctx, "ghost", true), billing.ErrProfileNotFound)

	seen, err := s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, s.MarkProcessed(ctx, "evt_1", "invoice.payment_failed"))
	seen, err = s.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}
