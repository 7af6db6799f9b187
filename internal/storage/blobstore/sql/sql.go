package sql

import (
	"context"
	"database/sql"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdillenkofer/content-archiver/internal/ioutils"
	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	blobContent "github.com/jdillenkofer/content-archiver/internal/storage/database/repository/blobcontent"
)

type sqlBlobStore struct {
	*lifecycle.ValidatedLifecycle
	blobContentRepository blobContent.Repository
	tracer                trace.Tracer
}

// Compile-time check to ensure sqlBlobStore implements blobstore.BlobStore
var _ blobstore.BlobStore = (*sqlBlobStore)(nil)

func New(db database.Database, blobContentRepository blobContent.Repository) (blobstore.BlobStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("sqlBlobStore")
	if err != nil {
		return nil, err
	}
	return &sqlBlobStore{
		ValidatedLifecycle:    validatedLifecycle,
		blobContentRepository: blobContentRepository,
		tracer:                otel.Tracer("internal/storage/blobstore/sql"),
	}, nil
}

func (bs *sqlBlobStore) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	ctx, span := bs.tracer.Start(ctx, "sqlBlobStore.PutBlob")
	defer span.End()

	content, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	blobContentEntity := blobContent.Entity{
		Digest:  digest.String(),
		Size:    int64(len(content)),
		Content: content,
	}
	err = bs.blobContentRepository.PutBlobContent(ctx, tx, &blobContentEntity)
	if err != nil {
		return err
	}

	return nil
}

func (bs *sqlBlobStore) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	ctx, span := bs.tracer.Start(ctx, "sqlBlobStore.GetBlob")
	defer span.End()

	blobContentEntity, err := bs.blobContentRepository.FindBlobContentByDigest(ctx, tx, digest.String())
	if err != nil {
		return nil, err
	}
	if blobContentEntity == nil {
		return nil, blobstore.ErrBlobNotFound
	}
	reader := ioutils.NewByteReadSeekCloser(blobContentEntity.Content)

	return reader, nil
}

func (bs *sqlBlobStore) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	ctx, span := bs.tracer.Start(ctx, "sqlBlobStore.HasBlob")
	defer span.End()

	return bs.blobContentRepository.ExistsBlobContentByDigest(ctx, tx, digest.String())
}

func (bs *sqlBlobStore) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	ctx, span := bs.tracer.Start(ctx, "sqlBlobStore.GetDigests")
	defer span.End()

	encodedDigests, err := bs.blobContentRepository.FindBlobContentDigests(ctx, tx)
	if err != nil {
		return nil, err
	}
	digests := []blobstore.Digest{}
	for _, encodedDigest := range encodedDigests {
		digest, err := blobstore.ParseDigest(encodedDigest)
		if err != nil {
			return nil, err
		}
		digests = append(digests, *digest)
	}
	return digests, nil
}

func (bs *sqlBlobStore) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	ctx, span := bs.tracer.Start(ctx, "sqlBlobStore.DeleteBlob")
	defer span.End()

	err := bs.blobContentRepository.DeleteBlobContentByDigest(ctx, tx, digest.String())
	return err
}
