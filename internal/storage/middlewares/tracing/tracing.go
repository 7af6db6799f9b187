package tracing

import (
	"context"
	"io"
	"runtime/trace"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage"
)

type tracingStorageMiddleware struct {
	*lifecycle.ValidatedLifecycle
	regionName   string
	innerArchive storage.Archive
}

// Compile-time check to ensure tracingStorageMiddleware implements storage.Archive
var _ storage.Archive = (*tracingStorageMiddleware)(nil)

func NewStorageMiddleware(regionName string, innerArchive storage.Archive) (storage.Archive, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("TracingStorageMiddleware")
	if err != nil {
		return nil, err
	}

	return &tracingStorageMiddleware{
		ValidatedLifecycle: lifecycle,
		regionName:         regionName,
		innerArchive:       innerArchive,
	}, nil
}

func (tsm *tracingStorageMiddleware) Start(ctx context.Context) error {
	defer trace.StartRegion(ctx, tsm.regionName+".Start()").End()

	if err := tsm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}

	return tsm.innerArchive.Start(ctx)
}

func (tsm *tracingStorageMiddleware) Stop(ctx context.Context) error {
	defer trace.StartRegion(ctx, tsm.regionName+".Stop()").End()

	if err := tsm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}

	return tsm.innerArchive.Stop(ctx)
}

func (tsm *tracingStorageMiddleware) Ingest(ctx context.Context, identity string, data io.Reader, opts storage.IngestOptions) (*storage.IngestResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".Ingest()").End()

	return tsm.innerArchive.Ingest(ctx, identity, data, opts)
}

func (tsm *tracingStorageMiddleware) Record(ctx context.Context, entry storage.Entry) (*storage.Entry, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".Record()").End()

	return tsm.innerArchive.Record(ctx, entry)
}

func (tsm *tracingStorageMiddleware) LookupLatest(ctx context.Context, identity string) (*storage.Entry, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".LookupLatest()").End()

	return tsm.innerArchive.LookupLatest(ctx, identity)
}

func (tsm *tracingStorageMiddleware) Resolve(ctx context.Context, ref string) (*storage.ResolveResult, io.ReadCloser, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".Resolve()").End()

	return tsm.innerArchive.Resolve(ctx, ref)
}

func (tsm *tracingStorageMiddleware) GetBlob(ctx context.Context, digest storage.Digest) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".GetBlob()").End()

	return tsm.innerArchive.GetBlob(ctx, digest)
}

func (tsm *tracingStorageMiddleware) HasBlob(ctx context.Context, digest storage.Digest) (bool, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".HasBlob()").End()

	return tsm.innerArchive.HasBlob(ctx, digest)
}

func (tsm *tracingStorageMiddleware) ScanByTime(ctx context.Context, timeRange storage.TimeRange, pageSize int) (storage.EntryScanner, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ScanByTime()").End()

	return tsm.innerArchive.ScanByTime(ctx, timeRange, pageSize)
}

func (tsm *tracingStorageMiddleware) RemoveOrphanBlobs(ctx context.Context) (*storage.GCResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".RemoveOrphanBlobs()").End()

	return tsm.innerArchive.RemoveOrphanBlobs(ctx)
}

func (tsm *tracingStorageMiddleware) VerifyAll(ctx context.Context) (*storage.VerifyResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".VerifyAll()").End()

	return tsm.innerArchive.VerifyAll(ctx)
}

func (tsm *tracingStorageMiddleware) CompactBefore(ctx context.Context, t time.Time) (int64, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".CompactBefore()").End()

	return tsm.innerArchive.CompactBefore(ctx, t)
}

func (tsm *tracingStorageMiddleware) Stats(ctx context.Context) (*storage.StorageStats, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".Stats()").End()

	return tsm.innerArchive.Stats(ctx)
}
