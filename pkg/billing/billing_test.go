package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/jobqueue/memstore"
	"go.od2.network/jobgate/pkg/store"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap/zaptest"
)

const (
	priceStarter = "price_starter"
	pricePro     = "price_pro"
)

var testPrices = PriceTable{priceStarter: types.TierStarter, pricePro: types.TierPro}

type memSubscriptions struct {
	mu      sync.Mutex
	subs    map[string]*types.Subscription
	upserts int
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{subs: make(map[string]*types.Subscription)}
}

func (m *memSubscriptions) GetSubscription(_ context.Context, subjectID string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subjectID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *sub
	return &c, nil
}

func (m *memSubscriptions) GetSubscriptionByCustomer(_ context.Context, customerID string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.CustomerID == customerID {
			c := *sub
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memSubscriptions) UpsertSubscription(_ context.Context, sub *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	c := *sub
	if old, ok := m.subs[sub.SubjectID]; ok {
		if c.CustomerID == "" {
			c.CustomerID = old.CustomerID
		}
		if c.CurrentPeriodEnd == nil {
			c.CurrentPeriodStart, c.CurrentPeriodEnd = old.CurrentPeriodStart, old.CurrentPeriodEnd
		}
	}
	m.subs[sub.SubjectID] = &c
	return nil
}

func (m *memSubscriptions) UpdateSubscriptionStatus(_ context.Context, subjectID string, status types.SubscriptionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subjectID]
	if !ok {
		return store.ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = at
	return nil
}

func (m *memSubscriptions) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

type recordingCache struct {
	mu       sync.Mutex
	subjects []string
}

func (c *recordingCache) InvalidateSubscription(_ context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subjectID)
	return nil
}

func newEvent(t *testing.T, id, typ string, object interface{}) *Event {
	raw, err := json.Marshal(map[string]interface{}{"object": object})
	require.NoError(t, err)
	return &Event{ID: id, Type: typ, Created: 1710000000, Data: raw}
}

func checkoutEvent(t *testing.T, id, subject string) *Event {
	return newEvent(t, id, EventCheckoutCompleted, map[string]interface{}{
		"id":                  "cs_1",
		"client_reference_id": subject,
		"customer":            "cus_1",
		"subscription":        "sub_1",
		"metadata":            map[string]string{"price_id": priceStarter},
	})
}

func TestDispatch_CheckoutCompleted(t *testing.T) {
	subs := newMemSubscriptions()
	cache := new(recordingCache)
	d := NewDispatcher(subs, cache, testPrices, zaptest.NewLogger(t))

	require.NoError(t, d.Dispatch(context.Background(), checkoutEvent(t, "evt_1", "user-1")))
	sub, err := subs.GetSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierStarter, sub.Tier)
	assert.Equal(t, types.StatusActive, sub.Status)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	assert.Equal(t, time.Unix(1710000000, 0).UTC(), sub.UpdatedAt)
	assert.Equal(t, []string{"user-1"}, cache.subjects)

	// Handlers are upserts.
	require.NoError(t, d.Dispatch(context.Background(), checkoutEvent(t, "evt_1", "user-1")))
	assert.Len(t, subs.subs, 1)
}

func TestDispatch_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	subs := newMemSubscriptions()
	d := NewDispatcher(subs, nil, testPrices, zaptest.NewLogger(t))
	require.NoError(t, d.Dispatch(ctx, checkoutEvent(t, "evt_1", "user-1")))

	updated := newEvent(t, "evt_2", EventSubscriptionUpdated, map[string]interface{}{
		"id":                   "sub_1",
		"customer":             "cus_1",
		"status":               "trialing",
		"current_period_start": 1709251200,
		"current_period_end":   1711929600,
		"cancel_at_period_end": true,
		"items": map[string]interface{}{
			"data": []interface{}{map[string]interface{}{"price": map[string]string{"id": pricePro}}},
		},
	})
	require.NoError(t, d.Dispatch(ctx, updated))
	sub, err := subs.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierPro, sub.Tier)
	assert.Equal(t, types.StatusTrialing, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), *sub.CurrentPeriodEnd)

	failed := newEvent(t, "evt_3", EventPaymentFailed, map[string]interface{}{
		"id":       "in_1",
		"customer": "cus_1",
	})
	require.NoError(t, d.Dispatch(ctx, failed))
	sub, err = subs.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPastDue, sub.Status)

	deleted := newEvent(t, "evt_4", EventSubscriptionDeleted, map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "canceled",
	})
	require.NoError(t, d.Dispatch(ctx, deleted))
	sub, err = subs.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, sub.Status)
	assert.Equal(t, types.TierFree, sub.EffectiveTier())
}

func TestDispatch_Errors(t *testing.T) {
	ctx := context.Background()
	subs := newMemSubscriptions()
	d := NewDispatcher(subs, nil, testPrices, zaptest.NewLogger(t))
	var perm *jobqueue.PermanentError

	// Unknown types are acknowledged.
	require.NoError(t, d.Dispatch(ctx, newEvent(t, "evt_x", "customer.created", map[string]string{"id": "cus_9"})))
	assert.Zero(t, subs.Upserts())

	// Unknown customers are retried.
	err := d.Dispatch(ctx, newEvent(t, "evt_y", EventPaymentFailed, map[string]string{"customer": "cus_9"}))
	assert.ErrorIs(t, err, ErrUnknownCustomer)
	assert.False(t, errors.As(err, &perm))

	// Malformed payloads are not.
	err = d.Dispatch(ctx, &Event{ID: "evt_z", Type: EventCheckoutCompleted, Data: json.RawMessage(`{"object":[]}`)})
	assert.ErrorAs(t, err, &perm)
	err = d.Dispatch(ctx, newEvent(t, "evt_w", EventCheckoutCompleted, map[string]string{"id": "cs_2"}))
	assert.ErrorAs(t, err, &perm)
}

func newTestQueue(t *testing.T) (*jobqueue.Queue, *memstore.Store) {
	s := memstore.New()
	return jobqueue.New(s, zaptest.NewLogger(t)), s
}

func TestSubmitEvent_Idempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	subs := newMemSubscriptions()
	d := NewDispatcher(subs, nil, testPrices, zaptest.NewLogger(t))
	submitter := NewSubmitter(q, d, zaptest.NewLogger(t))

	receipt, err := submitter.SubmitEvent(ctx, checkoutEvent(t, "evt_1", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, &Receipt{EventID: "evt_1", Mode: ModeQueued}, receipt)
	receipt, err = submitter.SubmitEvent(ctx, checkoutEvent(t, "evt_1", "user-1"))
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)

	w := jobqueue.NewWorker(q, zaptest.NewLogger(t), QueueName, d.Handle, jobqueue.WorkerOptions{
		Concurrency:  DefaultConcurrency,
		LeaseTTL:     time.Minute,
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  time.Second,
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	assert.Eventually(t, func() bool {
		job, err := q.Get(ctx, QueueName, "evt_1")
		return err == nil && job.State == jobqueue.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, subs.Upserts())
	counts, err := q.Counts(ctx, QueueName)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[jobqueue.StateCompleted])
}

func TestSubmitEvent_InlineFallback(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)
	s.SetUnavailable(true)
	subs := newMemSubscriptions()
	d := NewDispatcher(subs, nil, testPrices, zaptest.NewLogger(t))
	submitter := NewSubmitter(q, d, zaptest.NewLogger(t))

	receipt, err := submitter.SubmitEvent(ctx, checkoutEvent(t, "evt_1", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, ModeInline, receipt.Mode)
	assert.Equal(t, 1, subs.Upserts())

	// Errors of the inline path reach the caller.
	_, err = submitter.SubmitEvent(ctx, newEvent(t, "evt_2", EventPaymentFailed, map[string]string{"customer": "cus_9"}))
	assert.ErrorIs(t, err, ErrUnknownCustomer)

	_, err = submitter.SubmitEvent(ctx, &Event{Type: EventPaymentFailed})
	assert.Error(t, err)
}

func TestParsePriceTable(t *testing.T) {
	table, err := ParsePriceTable(map[string]string{"price_a": "starter", "price_b": "PRO"})
	require.NoError(t, err)
	assert.Equal(t, PriceTable{"price_a": types.TierStarter, "price_b": types.TierPro}, table)
	_, err = ParsePriceTable(map[string]string{"price_c": "enterprise"})
	assert.Error(t, err)

	assert.Equal(t, types.StatusPastDue, ParseStatus("unpaid"))
	assert.Equal(t, types.StatusIncomplete, ParseStatus("paused"))
}
