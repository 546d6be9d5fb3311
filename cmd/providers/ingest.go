package providers

import (
	"time"

	"github.com/spf13/viper"
	"go.od2.network/jobgate/pkg/ingest"
	"go.od2.network/jobgate/pkg/store"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Ingestion config keys.
const (
	ConfIngestFanOut       = "ingest.fan_out"
	ConfIngestFreshness    = "ingest.freshness_window"
	ConfIngestFetchTimeout = "ingest.fetch_timeout"
	ConfIngestUserAgent    = "ingest.user_agent"
	ConfIngestMaxBodySize  = "ingest.max_body_size"
)

func init() {
	viper.SetDefault(ConfIngestFanOut, ingest.DefaultFanOut)
	viper.SetDefault(ConfIngestFreshness, ingest.DefaultFreshnessWindow)
	viper.SetDefault(ConfIngestFetchTimeout, 20*time.Second)
	viper.SetDefault(ConfIngestUserAgent, "jobgate-ingest/1.0")
	viper.SetDefault(ConfIngestMaxBodySize, int64(10<<20))
}

// NewFeedFetcher creates a fetcher refusing to connect to internal addresses.
func NewFeedFetcher() ingest.FeedFetcher {
	fetcher := ingest.NewFetcher(viper.GetDuration(ConfIngestFetchTimeout))
	fetcher.UserAgent = viper.GetString(ConfIngestUserAgent)
	fetcher.MaxBodySize = viper.GetInt64(ConfIngestMaxBodySize)
	return fetcher
}

// NewIngestWorker creates the ingestion job handler.
func NewIngestWorker(log *zap.Logger, st *store.Store, fetcher ingest.FeedFetcher, meter metric.Meter) (*ingest.Worker, error) {
	metrics, err := ingest.NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &ingest.Worker{
		Repo:            st,
		Fetcher:         fetcher,
		Log:             log.Named("ingest"),
		Metrics:         metrics,
		FanOut:          viper.GetInt(ConfIngestFanOut),
		FreshnessWindow: viper.GetDuration(ConfIngestFreshness),
	}, nil
}
