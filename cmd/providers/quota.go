package providers

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/pkg/cachegc"
	"go.od2.network/jobgate/pkg/quota"
	"go.od2.network/jobgate/pkg/store"
	"go.od2.network/jobgate/pkg/types"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Quota config keys.
const (
	ConfQuotaPrefix          = "quota.prefix"
	ConfQuotaCacheSize       = "quota.subscriptions.cache_size"
	ConfQuotaCacheTTL        = "quota.subscriptions.cache_ttl"
	ConfQuotaCacheStreamKey  = "quota.subscriptions.stream_key"
	ConfQuotaCacheBacklog    = "quota.subscriptions.backlog"
	ConfQuotaCacheGCInterval = "quota.subscriptions.gc_interval"
)

func init() {
	viper.SetDefault(ConfQuotaPrefix, "quota:")
	viper.SetDefault(ConfQuotaCacheSize, 4096)
	viper.SetDefault(ConfQuotaCacheTTL, time.Minute)
	viper.SetDefault(ConfQuotaCacheStreamKey, "subscription-invalidations")
	viper.SetDefault(ConfQuotaCacheBacklog, 64)
	viper.SetDefault(ConfQuotaCacheGCInterval, time.Minute)
}

// NewSubscriptionCache creates the process-wide subscription cache
// and applies invalidations broadcast by other processes.
func NewSubscriptionCache(
	lc fx.Lifecycle,
	log *zap.Logger,
	rd *redis.Client,
) (*cachegc.Cache[string, *types.Subscription], *cachegc.Invalidation, error) {
	cache, err := cachegc.NewCache[string, *types.Subscription](
		viper.GetInt(ConfQuotaCacheSize),
		viper.GetDuration(ConfQuotaCacheTTL))
	if err != nil {
		return nil, nil, err
	}
	invalidation := &cachegc.Invalidation{
		Redis:     rd,
		StreamKey: viper.GetString(ConfQuotaCacheStreamKey),
		Backlog:   viper.GetInt64(ConfQuotaCacheBacklog),
		Evict:     cache.Remove,
		OnError: func(err error) {
			log.Warn("Failed to read subscription invalidations", zap.Error(err))
		},
	}
	if invalidation.StreamKey == "" {
		log.Fatal("Missing " + ConfQuotaCacheStreamKey)
	}
	innerCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			log.Info("Starting subscription cache invalidator")
			go func() {
				_ = invalidation.Run(innerCtx)
			}()
			go func() {
				ticker := time.NewTicker(viper.GetDuration(ConfQuotaCacheGCInterval))
				defer ticker.Stop()
				for {
					select {
					case <-innerCtx.Done():
						return
					case <-ticker.C:
						cache.GC()
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return cache, invalidation, nil
}

// NewQuota creates the quota service.
func NewQuota(
	log *zap.Logger,
	rd *redis.Client,
	st *store.Store,
	cache *cachegc.Cache[string, *types.Subscription],
	invalidation *cachegc.Invalidation,
	meter metric.Meter,
) (*quota.Service, error) {
	metrics, err := quota.NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	service := quota.New(rd, st, log.Named("quota"))
	service.Prefix = viper.GetString(ConfQuotaPrefix)
	service.Subscriptions = cache
	service.Invalidation = invalidation
	service.Metrics = metrics
	return service, nil
}
