package store

import (
	"context"
	"time"

	"go.od2.network/jobgate/pkg/types"
)

// language=MariaDB
const selectSubscription = `SELECT subject_id, tier, status, current_period_start, current_period_end,
	cancel_at_period_end, customer_id, provider_subscription_id, updated_at
FROM subscriptions `

// GetSubscription reads the subscription of a subject.
// Returns ErrNotFound if the subject never subscribed.
func (s *Store) GetSubscription(ctx context.Context, subjectID string) (*types.Subscription, error) {
	sub := new(types.Subscription)
	if err := s.DB.GetContext(ctx, sub, selectSubscription+`WHERE subject_id = ?;`, subjectID); err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

// GetSubscriptionByCustomer reads a subscription by payment provider customer ID.
// Returns ErrNotFound if no subject is linked to the customer.
func (s *Store) GetSubscriptionByCustomer(ctx context.Context, customerID string) (*types.Subscription, error) {
	sub := new(types.Subscription)
	if err := s.DB.GetContext(ctx, sub, selectSubscription+`WHERE customer_id = ? LIMIT 1;`, customerID); err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

// UpsertSubscription writes the full subscription of a subject.
// Empty provider references do not overwrite stored ones.
func (s *Store) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	// language=MariaDB
	const stmt = `INSERT INTO subscriptions (subject_id, tier, status, current_period_start, current_period_end,
	cancel_at_period_end, customer_id, provider_subscription_id, updated_at)
VALUES (:subject_id, :tier, :status, :current_period_start, :current_period_end,
	:cancel_at_period_end, :customer_id, :provider_subscription_id, :updated_at)
ON DUPLICATE KEY UPDATE
	tier = VALUES(tier),
	status = VALUES(status),
	current_period_start = COALESCE(VALUES(current_period_start), current_period_start),
	current_period_end = COALESCE(VALUES(current_period_end), current_period_end),
	cancel_at_period_end = VALUES(cancel_at_period_end),
	customer_id = IF(VALUES(customer_id) = '', customer_id, VALUES(customer_id)),
	provider_subscription_id = IF(VALUES(provider_subscription_id) = '', provider_subscription_id, VALUES(provider_subscription_id)),
	updated_at = VALUES(updated_at);`
	row := *sub
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = s.now()
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	_, err := s.DB.NamedExecContext(ctx, stmt, &row)
	return err
}

// UpdateSubscriptionStatus changes the status of an existing subscription.
// Returns ErrNotFound if the subject has no subscription.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, subjectID string, status types.SubscriptionStatus, at time.Time) error {
	// language=MariaDB
	const stmt = `UPDATE subscriptions SET status = ?, updated_at = ? WHERE subject_id = ?;`
	res, err := s.DB.ExecContext(ctx, stmt, status, at.UTC(), subjectID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
