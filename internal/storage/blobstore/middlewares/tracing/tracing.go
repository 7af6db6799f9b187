package tracing

import (
	"context"
	"database/sql"
	"io"
	"runtime/trace"

	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
)

type tracingBlobStoreMiddleware struct {
	*lifecycle.ValidatedLifecycle
	regionName     string
	innerBlobStore blobstore.BlobStore
}

var _ blobstore.BlobStore = (*tracingBlobStoreMiddleware)(nil)

func New(regionName string, innerBlobStore blobstore.BlobStore) (blobstore.BlobStore, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("TracingBlobStoreMiddleware")
	if err != nil {
		return nil, err
	}
	tbsm := &tracingBlobStoreMiddleware{
		ValidatedLifecycle: lifecycle,
		regionName:         regionName,
		innerBlobStore:     innerBlobStore,
	}
	return tbsm, nil
}

func (tbsm *tracingBlobStoreMiddleware) Start(ctx context.Context) error {
	defer trace.StartRegion(ctx, tbsm.regionName+".Start()").End()
	if err := tbsm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	return tbsm.innerBlobStore.Start(ctx)
}

func (tbsm *tracingBlobStoreMiddleware) Stop(ctx context.Context) error {
	defer trace.StartRegion(ctx, tbsm.regionName+".Stop()").End()
	if err := tbsm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	return tbsm.innerBlobStore.Stop(ctx)
}

func (tbsm *tracingBlobStoreMiddleware) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	defer trace.StartRegion(ctx, tbsm.regionName+".PutBlob()").End()

	return tbsm.innerBlobStore.PutBlob(ctx, tx, digest, reader)
}

func (tbsm *tracingBlobStoreMiddleware) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, tbsm.regionName+".GetBlob()").End()

	return tbsm.innerBlobStore.GetBlob(ctx, tx, digest)
}

func (tbsm *tracingBlobStoreMiddleware) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	defer trace.StartRegion(ctx, tbsm.regionName+".HasBlob()").End()

	return tbsm.innerBlobStore.HasBlob(ctx, tx, digest)
}

func (tbsm *tracingBlobStoreMiddleware) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	defer trace.StartRegion(ctx, tbsm.regionName+".GetDigests()").End()

	return tbsm.innerBlobStore.GetDigests(ctx, tx)
}

func (tbsm *tracingBlobStoreMiddleware) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	defer trace.StartRegion(ctx, tbsm.regionName+".DeleteBlob()").End()

	return tbsm.innerBlobStore.DeleteBlob(ctx, tx, digest)
}
