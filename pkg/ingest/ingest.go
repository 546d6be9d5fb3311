// Package ingest polls feed sources and upserts their items.
//
// One ingestion run fetches all active sources concurrently.
// A failing source never fails the run: its error is logged and counted,
// and its last fetch time is updated like for any other source.
// Only failing to list the sources fails the run, which the job queue then retries.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QueueName is the job queue of ingestion runs.
const QueueName = "ingest"

// Defaults.
const (
	DefaultFanOut          = 8
	DefaultFreshnessWindow = 90 * 24 * time.Hour
)

// Repository persists sources and items.
type Repository interface {
	FindActiveSources(ctx context.Context) ([]*types.Source, error)
	// UpsertItem reports whether the item was new.
	UpsertItem(ctx context.Context, item *types.Item) (bool, error)
	UpdateSourceLastFetched(ctx context.Context, id int64, t time.Time) error
}

// FeedFetcher downloads and parses a feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*gofeed.Feed, error)
}

// Payload is the job payload of an ingestion run.
type Payload struct {
	Trigger string `json:"trigger,omitempty"`
}

// Report summarizes an ingestion run.
type Report struct {
	Sources        int `json:"sources"`
	FailedSources  int `json:"failed_sources"`
	ItemsProcessed int `json:"items_processed"` // upserted items
	ItemsCreated   int `json:"items_created"`   // upserted items that were new
	ItemsSkipped   int `json:"items_skipped"`   // stale or unusable items
}

// Worker runs ingestion jobs.
type Worker struct {
	// Required components
	Repo    Repository
	Fetcher FeedFetcher
	Log     *zap.Logger
	// Optional components
	Metrics *Metrics
	// Optional config
	FanOut          int           // max concurrent fetches
	FreshnessWindow time.Duration // items published earlier are skipped
	Now             func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

// Handle is a jobqueue.Handler running one ingestion.
func (w *Worker) Handle(ctx context.Context, job *jobqueue.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return jobqueue.Permanent(err)
	}
	report, err := w.Run(ctx)
	if err != nil {
		return err
	}
	w.Log.Info("Ingestion finished",
		zap.String("job.id", job.ID),
		zap.String("ingest.trigger", payload.Trigger),
		zap.Int("ingest.sources", report.Sources),
		zap.Int("ingest.failed_sources", report.FailedSources),
		zap.Int("ingest.items_processed", report.ItemsProcessed),
		zap.Int("ingest.items_created", report.ItemsCreated),
		zap.Int("ingest.items_skipped", report.ItemsSkipped))
	return nil
}

// Run fetches all active sources and upserts their fresh items.
func (w *Worker) Run(ctx context.Context) (*Report, error) {
	sources, err := w.Repo.FindActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	fanOut := w.FanOut
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	var (
		mu     sync.Mutex
		report = &Report{Sources: len(sources)}
		group  errgroup.Group
	)
	group.SetLimit(fanOut)
	for _, source := range sources {
		source := source
		group.Go(func() error {
			res := w.ingestSource(ctx, source)
			mu.Lock()
			defer mu.Unlock()
			if res.failed {
				report.FailedSources++
			}
			report.ItemsProcessed += res.processed
			report.ItemsCreated += res.created
			report.ItemsSkipped += res.skipped
			return nil
		})
	}
	_ = group.Wait()
	w.Metrics.report(ctx, report)
	return report, nil
}

type sourceResult struct {
	failed    bool
	processed int
	created   int
	skipped   int
}

func (w *Worker) ingestSource(ctx context.Context, source *types.Source) (res sourceResult) {
	log := w.Log.With(
		zap.Int64("source.id", source.ID),
		zap.String("source.url", source.URL))
	defer func() {
		if err := w.Repo.UpdateSourceLastFetched(ctx, source.ID, w.now()); err != nil {
			log.Error("Failed to update last fetch time", zap.Error(err))
		}
	}()
	feed, err := w.Fetcher.Fetch(ctx, source.URL)
	if err != nil {
		log.Warn("Failed to fetch source", zap.Error(err))
		res.failed = true
		return
	}
	freshness := w.FreshnessWindow
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	now := w.now()
	cutoff := now.Add(-freshness)
	for _, entry := range feed.Items {
		item := Normalize(source, entry, now)
		if item == nil || item.PublishedAt.Before(cutoff) {
			res.skipped++
			continue
		}
		created, err := w.Repo.UpsertItem(ctx, item)
		if err != nil {
			log.Warn("Failed to upsert item",
				zap.String("item.url", item.URL),
				zap.Error(err))
			res.failed = true
			continue
		}
		res.processed++
		if created {
			res.created++
		}
	}
	log.Debug("Ingested source",
		zap.Int("ingest.items_processed", res.processed),
		zap.Int("ingest.items_skipped", res.skipped))
	return
}
