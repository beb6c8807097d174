package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Local keeps the recorded instruments in process so a CLI run can report
// totals when it finishes.
type Local struct {
	*Recorder
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewLocal builds a Recorder backed by an in-process reader.
func NewLocal() (*Local, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := New(provider)
	if err != nil {
		return nil, err
	}
	return &Local{Recorder: rec, reader: reader, provider: provider}, nil
}

// Total is one counter series.
type Total struct {
	Metric     string
	Attributes string
	Value      int64
}

// Totals collects every counter series, sorted by metric then attributes.
func (l *Local) Totals(ctx context.Context) ([]Total, error) {
	var rm metricdata.ResourceMetrics
	if err := l.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("metrics: collect: %w", err)
	}
	var totals []Total
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				pairs := make([]string, 0, dp.Attributes.Len())
				iter := dp.Attributes.Iter()
				for iter.Next() {
					kv := iter.Attribute()
					pairs = append(pairs, fmt.Sprintf("%s=%s", kv.Key, kv.Value.Emit()))
				}
				totals = append(totals, Total{Metric: m.Name, Attributes: strings.Join(pairs, ","), Value: dp.Value})
			}
		}
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Metric != totals[j].Metric {
			return totals[i].Metric < totals[j].Metric
		}
		return totals[i].Attributes < totals[j].Attributes
	})
	return totals, nil
}

// Shutdown flushes and stops the provider.
func (l *Local) Shutdown(ctx context.Context) error {
	return l.provider.Shutdown(ctx)
}
