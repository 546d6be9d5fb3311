package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/store"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap"
)

// SubscriptionWriter persists subscriptions.
type SubscriptionWriter interface {
	GetSubscription(ctx context.Context, subjectID string) (*types.Subscription, error)
	GetSubscriptionByCustomer(ctx context.Context, customerID string) (*types.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *types.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, subjectID string, status types.SubscriptionStatus, at time.Time) error
}

// Invalidator drops cached subscriptions.
type Invalidator interface {
	InvalidateSubscription(ctx context.Context, subjectID string) error
}

// EventHandler applies one event type.
type EventHandler func(ctx context.Context, event *Event) error

// Dispatcher routes events to the handler of their type.
type Dispatcher struct {
	// Required components
	Subscriptions SubscriptionWriter
	Log           *zap.Logger
	// Optional components
	Cache   Invalidator
	Metrics *Metrics
	// Required config
	Prices PriceTable

	handlers map[string]EventHandler
}

// NewDispatcher creates a dispatcher handling all known event types.
func NewDispatcher(subs SubscriptionWriter, cache Invalidator, prices PriceTable, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		Subscriptions: subs,
		Log:           log,
		Cache:         cache,
		Prices:        prices,
	}
	d.handlers = map[string]EventHandler{
		EventCheckoutCompleted:   d.checkoutCompleted,
		EventSubscriptionUpdated: d.subscriptionUpdated,
		EventSubscriptionDeleted: d.subscriptionDeleted,
		EventPaymentFailed:       d.paymentFailed,
	}
	return d
}

// Dispatch applies an event.
// Unknown event types are acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	log := d.Log.With(
		zap.String("event.id", event.ID),
		zap.String("event.type", event.Type))
	handler, ok := d.handlers[event.Type]
	if !ok {
		log.Info("Ignoring unknown event type")
		d.Metrics.count(ctx, eventIgnored, event.Type)
		return nil
	}
	if err := handler(ctx, event); err != nil {
		d.Metrics.count(ctx, eventFailed, event.Type)
		return err
	}
	d.Metrics.count(ctx, eventHandled, event.Type)
	log.Debug("Handled event")
	return nil
}

// Handle is a jobqueue.Handler dispatching queued events.
func (d *Dispatcher) Handle(ctx context.Context, job *jobqueue.Job) error {
	var event Event
	if err := job.Decode(&event); err != nil {
		return jobqueue.Permanent(err)
	}
	return d.Dispatch(ctx, &event)
}

func (d *Dispatcher) checkoutCompleted(ctx context.Context, event *Event) error {
	var session checkoutSession
	if err := event.decodeObject(&session); err != nil {
		return jobqueue.Permanent(err)
	}
	subjectID := session.ClientReferenceID
	if subjectID == "" {
		subjectID = session.Metadata[MetadataSubjectID]
	}
	if subjectID == "" {
		return jobqueue.Permanent(fmt.Errorf("checkout session %s references no subject", session.ID))
	}
	tier, ok := d.Prices.Tier(session.Metadata["price_id"])
	if !ok {
		parsed, err := types.ParseTier(session.Metadata["tier"])
		if err != nil {
			return jobqueue.Permanent(fmt.Errorf("checkout session %s has no known price or tier", session.ID))
		}
		tier = parsed
	}
	sub := &types.Subscription{
		SubjectID:              subjectID,
		Tier:                   tier,
		Status:                 types.StatusActive,
		CustomerID:             session.Customer,
		ProviderSubscriptionID: session.Subscription,
		UpdatedAt:              event.CreatedAt(),
	}
	if err := d.Subscriptions.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to store subscription of %s: %w", subjectID, err)
	}
	d.Log.Info("Subscription activated",
		zap.String("event.id", event.ID),
		zap.String("subject.id", subjectID),
		zap.Stringer("subscription.tier", tier))
	d.invalidate(ctx, subjectID)
	return nil
}

func (d *Dispatcher) subscriptionUpdated(ctx context.Context, event *Event) error {
	var obj subscriptionObject
	if err := event.decodeObject(&obj); err != nil {
		return jobqueue.Permanent(err)
	}
	current, err := d.resolve(ctx, obj.Metadata[MetadataSubjectID], obj.Customer)
	if err != nil {
		return err
	}
	sub := &types.Subscription{
		SubjectID:              current.SubjectID,
		Tier:                   current.Tier,
		Status:                 ParseStatus(obj.Status),
		CurrentPeriodStart:     unixTime(obj.CurrentPeriodStart),
		CurrentPeriodEnd:       unixTime(obj.CurrentPeriodEnd),
		CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
		CustomerID:             obj.Customer,
		ProviderSubscriptionID: obj.ID,
		UpdatedAt:              event.CreatedAt(),
	}
	if tier, ok := d.Prices.Tier(obj.priceID()); ok {
		sub.Tier = tier
	} else if obj.priceID() != "" {
		d.Log.Warn("Unknown price, keeping tier",
			zap.String("event.id", event.ID),
			zap.String("price.id", obj.priceID()),
			zap.Stringer("subscription.tier", sub.Tier))
	}
	if err := d.Subscriptions.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to store subscription of %s: %w", sub.SubjectID, err)
	}
	d.invalidate(ctx, sub.SubjectID)
	return nil
}

func (d *Dispatcher) subscriptionDeleted(ctx context.Context, event *Event) error {
	var obj subscriptionObject
	if err := event.decodeObject(&obj); err != nil {
		return jobqueue.Permanent(err)
	}
	return d.setStatus(ctx, event, obj.Metadata[MetadataSubjectID], obj.Customer, types.StatusCanceled)
}

func (d *Dispatcher) paymentFailed(ctx context.Context, event *Event) error {
	var invoice invoiceObject
	if err := event.decodeObject(&invoice); err != nil {
		return jobqueue.Permanent(err)
	}
	return d.setStatus(ctx, event, "", invoice.Customer, types.StatusPastDue)
}

func (d *Dispatcher) setStatus(ctx context.Context, event *Event, subjectID, customerID string, status types.SubscriptionStatus) error {
	current, err := d.resolve(ctx, subjectID, customerID)
	if err != nil {
		return err
	}
	err = d.Subscriptions.UpdateSubscriptionStatus(ctx, current.SubjectID, status, event.CreatedAt())
	if errors.Is(err, store.ErrNotFound) {
		d.Log.Info("No subscription to update",
			zap.String("event.id", event.ID),
			zap.String("subject.id", current.SubjectID))
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to update subscription of %s: %w", current.SubjectID, err)
	}
	d.Log.Info("Subscription status changed",
		zap.String("event.id", event.ID),
		zap.String("subject.id", current.SubjectID),
		zap.String("subscription.status", string(status)))
	d.invalidate(ctx, current.SubjectID)
	return nil
}

// resolve finds the stored subscription of the subject, or of the customer if no subject is given.
// A subject without a stored subscription resolves to a FREE placeholder.
func (d *Dispatcher) resolve(ctx context.Context, subjectID, customerID string) (*types.Subscription, error) {
	if subjectID != "" {
		sub, err := d.Subscriptions.GetSubscription(ctx, subjectID)
		if errors.Is(err, store.ErrNotFound) {
			return &types.Subscription{SubjectID: subjectID, Tier: types.TierFree}, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read subscription of %s: %w", subjectID, err)
		}
		return sub, nil
	}
	if customerID == "" {
		return nil, jobqueue.Permanent(errors.New("event references neither subject nor customer"))
	}
	sub, err := d.Subscriptions.GetSubscriptionByCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCustomer, customerID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read subscription of customer %s: %w", customerID, err)
	}
	return sub, nil
}

func (d *Dispatcher) invalidate(ctx context.Context, subjectID string) {
	if d.Cache == nil {
		return
	}
	if err := d.Cache.InvalidateSubscription(ctx, subjectID); err != nil {
		d.Log.Warn("Failed to invalidate cached subscription",
			zap.String("subject.id", subjectID),
			zap.Error(err))
	}
}
