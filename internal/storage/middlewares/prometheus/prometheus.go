package prometheus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/ioutils"
	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage"
	"github.com/jdillenkofer/content-archiver/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

type prometheusStorageMiddleware struct {
	*lifecycle.ValidatedLifecycle
	registerer                 prometheus.Registerer
	failedApiOpsCounter        *prometheus.CounterVec
	successfulApiOpsCounter    *prometheus.CounterVec
	entryCountGauge            prometheus.Gauge
	blobCountGauge             prometheus.Gauge
	totalEntrySizeGauge        prometheus.Gauge
	totalBytesIngestedCounter  prometheus.Counter
	totalBytesRetrievedCounter prometheus.Counter
	metricsMeasuringTaskHandle *task.TaskHandle
	innerArchive               storage.Archive
}

// Compile-time check to ensure prometheusStorageMiddleware implements storage.Archive
var _ storage.Archive = (*prometheusStorageMiddleware)(nil)

func NewStorageMiddleware(innerArchive storage.Archive, registerer prometheus.Registerer) (storage.Archive, error) {
	failedApiOpsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "failed_api_ops_total",
			Help:      "No of failed api operations partitioned by type",
		},
		[]string{"type"},
	)

	successfulApiOpsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "successful_api_ops_total",
			Help:      "No of successful api operations partitioned by type",
		},
		[]string{"type"},
	)

	entryCountGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "entries",
			Help:      "Number of metadata entries",
		},
	)

	blobCountGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "blobs",
			Help:      "Number of stored blobs",
		},
	)

	totalEntrySizeGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "entry_bytes",
			Help:      "Sum of entry sizes in bytes",
		},
	)

	totalBytesIngestedCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "bytes_ingested_total",
			Help:      "Total bytes ingested",
		},
	)

	totalBytesRetrievedCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "content_archiver",
			Subsystem: "storage",
			Name:      "bytes_retrieved_total",
			Help:      "Total bytes retrieved",
		},
	)

	lifecycle, err := lifecycle.NewValidatedLifecycle("PrometheusStorageMiddleware")
	if err != nil {
		return nil, err
	}

	return &prometheusStorageMiddleware{
		ValidatedLifecycle:         lifecycle,
		registerer:                 registerer,
		failedApiOpsCounter:        failedApiOpsCounter,
		successfulApiOpsCounter:    successfulApiOpsCounter,
		entryCountGauge:            entryCountGauge,
		blobCountGauge:             blobCountGauge,
		totalEntrySizeGauge:        totalEntrySizeGauge,
		totalBytesIngestedCounter:  totalBytesIngestedCounter,
		totalBytesRetrievedCounter: totalBytesRetrievedCounter,
		innerArchive:               innerArchive,
	}, nil
}

func (psm *prometheusStorageMiddleware) measureMetrics(ctx context.Context) {
	stats, err := psm.innerArchive.Stats(ctx)
	if err != nil {
		return
	}
	psm.entryCountGauge.Set(float64(stats.EntryCount))
	psm.blobCountGauge.Set(float64(stats.BlobCount))
	psm.totalEntrySizeGauge.Set(float64(stats.TotalEntrySize))
}

func (psm *prometheusStorageMiddleware) measureMetricsLoop(cancelMetricsMeasuring *atomic.Bool) {
	ctx := context.Background()
	for {
		psm.measureMetrics(ctx)
		for range 30 * 4 {
			time.Sleep(250 * time.Millisecond)
			if cancelMetricsMeasuring.Load() {
				return
			}
		}
	}
}

func (psm *prometheusStorageMiddleware) Start(ctx context.Context) error {
	if err := psm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	psm.registerer.MustRegister(psm.failedApiOpsCounter)
	psm.registerer.MustRegister(psm.successfulApiOpsCounter)
	psm.registerer.MustRegister(psm.entryCountGauge)
	psm.registerer.MustRegister(psm.blobCountGauge)
	psm.registerer.MustRegister(psm.totalEntrySizeGauge)
	psm.registerer.MustRegister(psm.totalBytesIngestedCounter)
	psm.registerer.MustRegister(psm.totalBytesRetrievedCounter)

	psm.metricsMeasuringTaskHandle = task.Start(func(cancelTask *atomic.Bool) {
		psm.measureMetricsLoop(cancelTask)
	})

	return psm.innerArchive.Start(ctx)
}

func (psm *prometheusStorageMiddleware) Stop(ctx context.Context) error {
	if err := psm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}

	psm.registerer.Unregister(psm.totalBytesRetrievedCounter)
	psm.registerer.Unregister(psm.totalBytesIngestedCounter)
	psm.registerer.Unregister(psm.totalEntrySizeGauge)
	psm.registerer.Unregister(psm.blobCountGauge)
	psm.registerer.Unregister(psm.entryCountGauge)
	psm.registerer.Unregister(psm.successfulApiOpsCounter)
	psm.registerer.Unregister(psm.failedApiOpsCounter)

	if psm.metricsMeasuringTaskHandle != nil && !psm.metricsMeasuringTaskHandle.IsCancelled() {
		psm.metricsMeasuringTaskHandle.Cancel()
		joinedWithTimeout := psm.metricsMeasuringTaskHandle.JoinWithTimeout(30 * time.Second)
		if joinedWithTimeout {
			slog.Debug("PrometheusStorageMiddleware.metricsMeasuringTaskHandle joined with timeout of 30s")
		} else {
			slog.Debug("PrometheusStorageMiddleware.metricsMeasuringTaskHandle joined without timeout")
		}
	}

	return psm.innerArchive.Stop(ctx)
}

func (psm *prometheusStorageMiddleware) Ingest(ctx context.Context, identity string, data io.Reader, opts storage.IngestOptions) (*storage.IngestResult, error) {
	data = ioutils.NewStatsReadCloser(io.NopCloser(data), func(n int) {
		psm.totalBytesIngestedCounter.Add(float64(n))
	})

	ingestResult, err := psm.innerArchive.Ingest(ctx, identity, data, opts)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "Ingest"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "Ingest"}).Inc()

	return ingestResult, nil
}

func (psm *prometheusStorageMiddleware) Record(ctx context.Context, entry storage.Entry) (*storage.Entry, error) {
	recordedEntry, err := psm.innerArchive.Record(ctx, entry)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "Record"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "Record"}).Inc()

	return recordedEntry, nil
}

func (psm *prometheusStorageMiddleware) LookupLatest(ctx context.Context, identity string) (*storage.Entry, error) {
	entry, err := psm.innerArchive.LookupLatest(ctx, identity)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "LookupLatest"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "LookupLatest"}).Inc()

	return entry, nil
}

func (psm *prometheusStorageMiddleware) Resolve(ctx context.Context, ref string) (*storage.ResolveResult, io.ReadCloser, error) {
	resolveResult, reader, err := psm.innerArchive.Resolve(ctx, ref)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "Resolve"}).Inc()
		return nil, nil, err
	}

	reader = ioutils.NewStatsReadCloser(reader, func(n int) {
		psm.totalBytesRetrievedCounter.Add(float64(n))
	})

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "Resolve"}).Inc()

	return resolveResult, reader, nil
}

func (psm *prometheusStorageMiddleware) GetBlob(ctx context.Context, digest storage.Digest) (io.ReadCloser, error) {
	reader, err := psm.innerArchive.GetBlob(ctx, digest)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "GetBlob"}).Inc()
		return nil, err
	}

	reader = ioutils.NewStatsReadCloser(reader, func(n int) {
		psm.totalBytesRetrievedCounter.Add(float64(n))
	})

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "GetBlob"}).Inc()

	return reader, nil
}

func (psm *prometheusStorageMiddleware) HasBlob(ctx context.Context, digest storage.Digest) (bool, error) {
	exists, err := psm.innerArchive.HasBlob(ctx, digest)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "HasBlob"}).Inc()
		return false, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "HasBlob"}).Inc()

	return exists, nil
}

func (psm *prometheusStorageMiddleware) ScanByTime(ctx context.Context, timeRange storage.TimeRange, pageSize int) (storage.EntryScanner, error) {
	scanner, err := psm.innerArchive.ScanByTime(ctx, timeRange, pageSize)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ScanByTime"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ScanByTime"}).Inc()

	return scanner, nil
}

func (psm *prometheusStorageMiddleware) RemoveOrphanBlobs(ctx context.Context) (*storage.GCResult, error) {
	gcResult, err := psm.innerArchive.RemoveOrphanBlobs(ctx)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "RemoveOrphanBlobs"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "RemoveOrphanBlobs"}).Inc()

	return gcResult, nil
}

func (psm *prometheusStorageMiddleware) VerifyAll(ctx context.Context) (*storage.VerifyResult, error) {
	verifyResult, err := psm.innerArchive.VerifyAll(ctx)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "VerifyAll"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "VerifyAll"}).Inc()

	return verifyResult, nil
}

func (psm *prometheusStorageMiddleware) CompactBefore(ctx context.Context, t time.Time) (int64, error) {
	deleted, err := psm.innerArchive.CompactBefore(ctx, t)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "CompactBefore"}).Inc()
		return 0, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "CompactBefore"}).Inc()

	return deleted, nil
}

func (psm *prometheusStorageMiddleware) Stats(ctx context.Context) (*storage.StorageStats, error) {
	stats, err := psm.innerArchive.Stats(ctx)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "Stats"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "Stats"}).Inc()

	return stats, nil
}
