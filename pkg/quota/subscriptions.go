package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.od2.network/jobgate/pkg/store"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap"
)

type requestCacheKey struct{}

// requestCache memoizes subscriptions for the lifetime of one request.
type requestCache struct {
	mu   sync.Mutex
	subs map[string]*types.Subscription
}

// WithRequestCache returns a context under which each subject's subscription is read at most once.
// Attach it at the start of request handling.
func WithRequestCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(requestCacheKey{}).(*requestCache); ok {
		return ctx
	}
	return context.WithValue(ctx, requestCacheKey{}, &requestCache{
		subs: make(map[string]*types.Subscription),
	})
}

func requestCacheFrom(ctx context.Context) *requestCache {
	rc, _ := ctx.Value(requestCacheKey{}).(*requestCache)
	return rc
}

// Subscription returns the subscription of a subject, or nil if there is none.
// Lookups go through the request memo, then the process-wide cache, then the repository.
func (s *Service) Subscription(ctx context.Context, subjectID string) (*types.Subscription, error) {
	rc := requestCacheFrom(ctx)
	if rc != nil {
		rc.mu.Lock()
		sub, ok := rc.subs[subjectID]
		rc.mu.Unlock()
		if ok {
			return sub, nil
		}
	}
	load := func(ctx context.Context) (*types.Subscription, error) {
		s.Metrics.count(ctx, eventSubscriptionLoad, "")
		sub, err := s.Repo.GetSubscription(ctx, subjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read subscription of %s: %w", subjectID, err)
		}
		return sub, nil
	}
	var sub *types.Subscription
	var err error
	if s.Subscriptions != nil {
		sub, err = s.Subscriptions.GetOrLoad(ctx, subjectID, load)
	} else {
		sub, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	if rc != nil {
		rc.mu.Lock()
		rc.subs[subjectID] = sub
		rc.mu.Unlock()
	}
	return sub, nil
}

// InvalidateSubscription drops the cached subscription of a subject in this process,
// and in all other processes if an invalidation stream is configured.
func (s *Service) InvalidateSubscription(ctx context.Context, subjectID string) error {
	if s.Subscriptions != nil {
		s.Subscriptions.Remove(subjectID)
	}
	if rc := requestCacheFrom(ctx); rc != nil {
		rc.mu.Lock()
		delete(rc.subs, subjectID)
		rc.mu.Unlock()
	}
	if s.Invalidation != nil {
		if err := s.Invalidation.Add(ctx, subjectID); err != nil {
			s.Log.Warn("Failed to broadcast subscription invalidation",
				zap.String("subject.id", subjectID),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// HasTierAccess reports whether the subject's plan meets or exceeds the required tier.
// The subscription must be ACTIVE or TRIALING, except for FREE which everyone has,
// including subjects whose subscription is canceled or past due.
func (s *Service) HasTierAccess(ctx context.Context, subjectID string, required types.Tier) (bool, error) {
	if required <= types.TierFree {
		return true, nil
	}
	sub, err := s.Subscription(ctx, subjectID)
	if err != nil {
		return false, err
	}
	if sub == nil || !sub.Status.Entitled() {
		return false, nil
	}
	return sub.Tier.Includes(required), nil
}
