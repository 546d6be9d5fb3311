package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/mariadbtest"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	m := mariadbtest.New(t)
	t.Cleanup(func() { m.Close(t) })
	require.NoError(t, Migrate(zaptest.NewLogger(t), m.Config))
	// Migrating twice is a no-op.
	require.NoError(t, Migrate(zaptest.NewLogger(t), m.Config))
	return New(m.DB)
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.AddSource(ctx, "https://a.example/feed", types.Tags{"Go", "news"})
	require.NoError(t, err)
	b, err := s.AddSource(ctx, "https://b.example/feed", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetSourceActive(ctx, b, false))

	sources, err := s.FindActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, a, sources[0].ID)
	assert.Equal(t, types.Tags{"go", "news"}, sources[0].Tags)
	assert.Nil(t, sources[0].LastFetchedAt)

	fetched := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateSourceLastFetched(ctx, a, fetched))
	sources, err = s.FindActiveSources(ctx)
	require.NoError(t, err)
	require.NotNil(t, sources[0].LastFetchedAt)
	assert.True(t, fetched.Equal(*sources[0].LastFetchedAt))
}

func TestUpsertItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	published := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	item := &types.Item{
		URL:         "https://a.example/post-1",
		Title:       "First",
		Excerpt:     "Hello",
		SourceID:    1,
		Tags:        types.Tags{"go"},
		PublishedAt: published,
	}
	created, err := s.UpsertItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	image := "https://a.example/cover.png"
	changed := *item
	changed.Title = "Changed"
	changed.ImageURL = &image
	created, err = s.UpsertItem(ctx, &changed)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetItem(ctx, item.URL)
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
	require.NotNil(t, got.ImageURL)
	assert.Equal(t, image, *got.ImageURL)
	assert.True(t, published.Equal(got.PublishedAt))

	// A missing image does not clear the stored one.
	_, err = s.UpsertItem(ctx, item)
	require.NoError(t, err)
	got, err = s.GetItem(ctx, item.URL)
	require.NoError(t, err)
	require.NotNil(t, got.ImageURL)

	_, err = s.GetItem(ctx, "https://a.example/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetSubscription(ctx, "user1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateSubscriptionStatus(ctx, "user1", types.StatusCanceled, time.Now()), ErrNotFound)

	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertSubscription(ctx, &types.Subscription{
		SubjectID:              "user1",
		Tier:                   types.TierPro,
		Status:                 types.StatusActive,
		CurrentPeriodEnd:       &end,
		CustomerID:             "cus_1",
		ProviderSubscriptionID: "sub_1",
	}))
	// Partial update keeps provider references and period.
	require.NoError(t, s.UpsertSubscription(ctx, &types.Subscription{
		SubjectID: "user1",
		Tier:      types.TierStarter,
		Status:    types.StatusTrialing,
	}))
	sub, err := s.GetSubscriptionByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user1", sub.SubjectID)
	assert.Equal(t, types.TierStarter, sub.Tier)
	assert.Equal(t, types.StatusTrialing, sub.Status)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, end.Equal(*sub.CurrentPeriodEnd))

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "user1", types.StatusPastDue, time.Now()))
	sub, err = s.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPastDue, sub.Status)
}

func TestCountForWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := march.AddDate(0, 1, 0)
	for _, at := range []time.Time{
		march.Add(-time.Second),
		march,
		march.Add(10 * 24 * time.Hour),
		april.Add(-time.Millisecond),
		april,
	} {
		require.NoError(t, s.RecordUsage(ctx, "user1", "summaries", at))
	}
	require.NoError(t, s.RecordUsage(ctx, "user2", "summaries", march))
	require.NoError(t, s.RecordUsage(ctx, "user1", "exports", march))

	n, err := s.CountForWindow(ctx, "user1", "summaries", march, april)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestReleaseUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := march.AddDate(0, 1, 0)
	require.NoError(t, s.RecordUsage(ctx, "user1", "summaries", march.Add(time.Hour)))
	require.NoError(t, s.RecordUsage(ctx, "user1", "summaries", april))

	released, err := s.ReleaseUsage(ctx, "user1", "summaries", march, april)
	require.NoError(t, err)
	assert.True(t, released)
	released, err = s.ReleaseUsage(ctx, "user1", "summaries", march, april)
	require.NoError(t, err)
	assert.False(t, released)

	n, err := s.CountForWindow(ctx, "user1", "summaries", april, april.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
