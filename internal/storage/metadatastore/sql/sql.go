package sql

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	entryRepository "github.com/jdillenkofer/content-archiver/internal/storage/database/repository/entry"
	"github.com/jdillenkofer/content-archiver/internal/storage/metadatastore"
	"github.com/oklog/ulid/v2"
)

type sqlMetadataStore struct {
	*lifecycle.ValidatedLifecycle
	entryRepository entryRepository.Repository
	tracer          trace.Tracer
}

var _ metadatastore.MetadataStore = (*sqlMetadataStore)(nil)

func New(entryRepository entryRepository.Repository) (metadatastore.MetadataStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("sqlMetadataStore")
	if err != nil {
		return nil, err
	}
	return &sqlMetadataStore{
		ValidatedLifecycle: validatedLifecycle,
		entryRepository:    entryRepository,
		tracer:             otel.Tracer("internal/storage/metadatastore/sql"),
	}, nil
}

func convertEntryToEntity(entry *metadatastore.Entry) *entryRepository.Entity {
	return &entryRepository.Entity{
		Id:          entry.Id,
		Identity:    entry.Identity,
		Digest:      entry.Digest.String(),
		Size:        entry.Size,
		ContentType: entry.ContentType,
		Source:      entry.Source,
		ArchivedAt:  entry.ArchivedAt,
		CreatedAt:   entry.CreatedAt,
	}
}

func convertEntityToEntry(entity *entryRepository.Entity) (*metadatastore.Entry, error) {
	digest, err := blobstore.ParseDigest(entity.Digest)
	if err != nil {
		return nil, err
	}
	return &metadatastore.Entry{
		Id:          entity.Id,
		Identity:    entity.Identity,
		Digest:      *digest,
		Size:        entity.Size,
		ContentType: entity.ContentType,
		Source:      entity.Source,
		ArchivedAt:  entity.ArchivedAt,
		CreatedAt:   entity.CreatedAt,
	}, nil
}

func (ms *sqlMetadataStore) RecordEntry(ctx context.Context, tx *sql.Tx, entry *metadatastore.Entry) error {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.RecordEntry")
	defer span.End()

	entity := convertEntryToEntity(entry)
	err := ms.entryRepository.SaveEntry(ctx, tx, entity)
	if err != nil {
		return err
	}
	entry.Id = entity.Id
	entry.CreatedAt = entity.CreatedAt
	return nil
}

func (ms *sqlMetadataStore) LookupLatestByIdentity(ctx context.Context, tx *sql.Tx, identity string) (*metadatastore.Entry, error) {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.LookupLatestByIdentity")
	defer span.End()

	entity, err := ms.entryRepository.FindLatestEntryByIdentity(ctx, tx, identity)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, metadatastore.ErrEntryNotFound
	}
	return convertEntityToEntry(entity)
}

func (ms *sqlMetadataStore) ScanByTimeRange(ctx context.Context, tx *sql.Tx, timeRange metadatastore.TimeRange, afterArchivedAt *time.Time, afterId *ulid.ULID, limit int) ([]metadatastore.Entry, error) {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.ScanByTimeRange")
	defer span.End()

	entities, err := ms.entryRepository.FindEntriesByTimeRange(ctx, tx, timeRange.From, timeRange.To, afterArchivedAt, afterId, limit)
	if err != nil {
		return nil, err
	}
	entries := []metadatastore.Entry{}
	for _, entity := range entities {
		entry, err := convertEntityToEntry(&entity)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (ms *sqlMetadataStore) GetInUseDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.GetInUseDigests")
	defer span.End()

	encodedDigests, err := ms.entryRepository.FindInUseDigests(ctx, tx)
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

func (ms *sqlMetadataStore) CountEntries(ctx context.Context, tx *sql.Tx) (int64, error) {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.CountEntries")
	defer span.End()

	return ms.entryRepository.CountEntries(ctx, tx)
}

func (ms *sqlMetadataStore) SumEntrySizes(ctx context.Context, tx *sql.Tx) (int64, error) {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.SumEntrySizes")
	defer span.End()

	return ms.entryRepository.SumEntrySizes(ctx, tx)
}

func (ms *sqlMetadataStore) DeleteEntriesArchivedBefore(ctx context.Context, tx *sql.Tx, t time.Time) (int64, error) {
	ctx, span := ms.tracer.Start(ctx, "sqlMetadataStore.DeleteEntriesArchivedBefore")
	defer span.End()

	return ms.entryRepository.DeleteEntriesArchivedBefore(ctx, tx, t)
}
