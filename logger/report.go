package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	listingsRead   int64
	normalized     int64
	normFailures   int64
	priceFailures  int64
	conflictsFound int64
	suggestions    int64
	storeWrites    int64
	exportWrites   int64
	errorsIngest   int64
	errorsCompute  int64
	warnsIngest    int64
	warnsCompute   int64
	channels       sync.Map // map[string]*channelStat
)

func isIngestComponent(component string) bool {
	return strings.Contains(component, "reader") ||
		strings.Contains(component, "normalizer") ||
		strings.Contains(component, "store")
}

func recordWarn(component string) {
	if isIngestComponent(component) {
		atomic.AddInt64(&warnsIngest, 1)
	} else {
		atomic.AddInt64(&warnsCompute, 1)
	}
}

func recordError(component string) {
	if isIngestComponent(component) {
		atomic.AddInt64(&errorsIngest, 1)
	} else {
		atomic.AddInt64(&errorsCompute, 1)
	}
}

func IncrementListingsRead(n int) {
	atomic.AddInt64(&listingsRead, int64(n))
	recordChannel("raw_listings", n)
}

func IncrementNormalized(n int) {
	atomic.AddInt64(&normalized, int64(n))
	recordChannel("normalized_listings", n)
}

func IncrementNormFailures(n int) {
	atomic.AddInt64(&normFailures, int64(n))
}

func IncrementPriceFailures(n int) {
	atomic.AddInt64(&priceFailures, int64(n))
}

func IncrementConflicts(n int) {
	atomic.AddInt64(&conflictsFound, int64(n))
}

func IncrementSuggestions(n int) {
	atomic.AddInt64(&suggestions, int64(n))
}

func IncrementStoreWrites(n int) {
	atomic.AddInt64(&storeWrites, int64(n))
	recordChannel("store_rows", n)
}

func IncrementExportWrites(size int64) {
	atomic.AddInt64(&exportWrites, 1)
	recordChannel("parquet_export", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"listings_read":  atomic.LoadInt64(&listingsRead),
		"normalized":     atomic.LoadInt64(&normalized),
		"norm_failures":  atomic.LoadInt64(&normFailures),
		"price_failures": atomic.LoadInt64(&priceFailures),
		"conflicts":      atomic.LoadInt64(&conflictsFound),
		"suggestions":    atomic.LoadInt64(&suggestions),
		"store_writes":   atomic.LoadInt64(&storeWrites),
		"export_writes":  atomic.LoadInt64(&exportWrites),
		"errors_ingest":  atomic.LoadInt64(&errorsIngest),
		"errors_compute": atomic.LoadInt64(&errorsCompute),
		"warns_ingest":   atomic.LoadInt64(&warnsIngest),
		"warns_compute":  atomic.LoadInt64(&warnsCompute),
		"goroutines":     runtime.NumGoroutine(),
		"channels":       channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
		}
	}

	var data []cwtypes.MetricDatum
	data = append(data,
		count("Priceflow-ListingsRead", atomic.LoadInt64(&listingsRead)),
		count("Priceflow-Normalized", atomic.LoadInt64(&normalized)),
		count("Priceflow-NormFailures", atomic.LoadInt64(&normFailures)),
		count("Priceflow-PriceFailures", atomic.LoadInt64(&priceFailures)),
		count("Priceflow-Conflicts", atomic.LoadInt64(&conflictsFound)),
		count("Priceflow-Suggestions", atomic.LoadInt64(&suggestions)),
		count("Priceflow-StoreWrites", atomic.LoadInt64(&storeWrites)),
		count("Priceflow-ExportWrites", atomic.LoadInt64(&exportWrites)),
		count("Priceflow-ErrorsIngest", atomic.LoadInt64(&errorsIngest)),
		count("Priceflow-ErrorsCompute", atomic.LoadInt64(&errorsCompute)),
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Priceflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Priceflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
