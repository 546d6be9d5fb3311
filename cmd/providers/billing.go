package providers

import (
	"github.com/spf13/viper"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/quota"
	"go.od2.network/jobgate/pkg/store"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Billing config keys.
const (
	// ConfBillingPrices maps provider price IDs to tier names.
	ConfBillingPrices = "billing.prices"
)

func init() {
	viper.SetDefault(ConfBillingPrices, map[string]string{})
}

// NewPriceTable reads the price table from config.
func NewPriceTable(log *zap.Logger) (billing.PriceTable, error) {
	prices, err := billing.ParsePriceTable(viper.GetStringMapString(ConfBillingPrices))
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		log.Warn("No prices configured, subscriptions fall back to the tier in checkout metadata",
			zap.String("config", ConfBillingPrices))
	}
	return prices, nil
}

// NewBillingDispatcher creates the provider event dispatcher.
func NewBillingDispatcher(
	log *zap.Logger,
	st *store.Store,
	quotas *quota.Service,
	prices billing.PriceTable,
	meter metric.Meter,
) (*billing.Dispatcher, error) {
	metrics, err := billing.NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	d := billing.NewDispatcher(st, quotas, prices, log.Named("billing"))
	d.Metrics = metrics
	return d, nil
}

// NewBillingSubmitter creates the provider event submission path.
func NewBillingSubmitter(log *zap.Logger, q *jobqueue.Queue, d *billing.Dispatcher) *billing.Submitter {
	submitter := billing.NewSubmitter(q, d, log.Named("billing"))
	submitter.Metrics = d.Metrics
	return submitter
}
