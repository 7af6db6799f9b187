package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	"github.com/jdillenkofer/content-archiver/internal/storage/digestlock"
	"github.com/jdillenkofer/content-archiver/internal/storage/metadatastore"
)

// archiveStorage is the ingestion and retrieval engine. Content is
// spooled to a temp file while its digest is computed, the blob write
// commits before the metadata entry does, and writers of the same
// digest serialize on a per-digest lock. A crash between the two
// commits leaves an orphan blob for RemoveOrphanBlobs, never an entry
// pointing at missing bytes.
type archiveStorage struct {
	*lifecycle.ValidatedLifecycle
	db            database.Database
	metadataStore metadatastore.MetadataStore
	blobStore     blobstore.BlobStore
	digestLocks   *digestlock.Arena
}

var _ Archive = (*archiveStorage)(nil)

func NewArchiveStorage(db database.Database, metadataStore metadatastore.MetadataStore, blobStore blobstore.BlobStore) (Archive, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("archiveStorage")
	if err != nil {
		return nil, err
	}
	return &archiveStorage{
		ValidatedLifecycle: validatedLifecycle,
		db:                 db,
		metadataStore:      metadataStore,
		blobStore:          blobStore,
		digestLocks:        digestlock.NewArena(),
	}, nil
}

func (as *archiveStorage) Start(ctx context.Context) error {
	if err := as.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	if err := as.metadataStore.Start(ctx); err != nil {
		return err
	}
	return as.blobStore.Start(ctx)
}

func (as *archiveStorage) Stop(ctx context.Context) error {
	if err := as.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	if err := as.metadataStore.Stop(ctx); err != nil {
		return err
	}
	return as.blobStore.Stop(ctx)
}

// spoolToTempFile drains data to a temp file while hashing it, so the
// digest is known before a single byte reaches the blob store.
func spoolToTempFile(data io.Reader) (*os.File, *blobstore.Digest, int64, error) {
	tempFile, err := os.CreateTemp("", "content-archiver-ingest-")
	if err != nil {
		return nil, nil, 0, err
	}
	discard := func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}

	limitedData := io.LimitReader(data, MaxEntitySize+1)
	digest, size, err := blobstore.ComputeDigest(io.TeeReader(limitedData, tempFile))
	if err != nil {
		discard()
		return nil, nil, 0, err
	}
	if size > MaxEntitySize {
		discard()
		return nil, nil, 0, ErrEntityTooLarge
	}
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, nil, 0, err
	}
	return tempFile, digest, size, nil
}

func (as *archiveStorage) Ingest(ctx context.Context, identity string, data io.Reader, opts IngestOptions) (*IngestResult, error) {
	if identity == "" {
		return nil, errors.Join(ErrIngestionFailed, errors.New("identity must not be empty"))
	}

	tempFile, digest, size, err := spoolToTempFile(data)
	if err != nil {
		if errors.Is(err, ErrEntityTooLarge) {
			return nil, err
		}
		return nil, errors.Join(ErrIngestionFailed, err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}()

	// Concurrent ingestions of the same bytes serialize here, the first
	// writer persists the blob and the rest observe it as stored. The
	// lock covers only the existence check and the blob write, entry
	// records don't contend.
	as.digestLocks.Lock(*digest)
	deduplicated, err := as.ensureBlobStored(ctx, *digest, tempFile)
	as.digestLocks.Unlock(*digest)
	if err != nil {
		return nil, errors.Join(ErrIngestionFailed, err)
	}

	archivedAt := time.Now().UTC()
	if opts.ArchivedAt != nil {
		archivedAt = opts.ArchivedAt.UTC()
	}
	entry := Entry{
		Identity:    identity,
		Digest:      *digest,
		Size:        size,
		ContentType: opts.ContentType,
		Source:      opts.Source,
		ArchivedAt:  archivedAt,
	}

	// The entry is recorded in its own transaction strictly after the
	// blob commit, keeping the write-before-index ordering.
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, errors.Join(ErrIngestionFailed, err)
	}
	err = as.metadataStore.RecordEntry(ctx, tx, &entry)
	if err != nil {
		tx.Rollback()
		return nil, errors.Join(ErrIngestionFailed, err)
	}
	err = tx.Commit()
	if err != nil {
		return nil, errors.Join(ErrIngestionFailed, err)
	}

	return &IngestResult{
		Entry:        entry,
		Deduplicated: deduplicated,
	}, nil
}

func (as *archiveStorage) Record(ctx context.Context, entry Entry) (*Entry, error) {
	if entry.Identity == "" {
		return nil, errors.Join(ErrIngestionFailed, errors.New("identity must not be empty"))
	}
	reader, err := as.GetBlob(ctx, entry.Digest)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: no stored blob for digest %s", ErrDanglingReference, entry.Digest)
		}
		return nil, err
	}
	// Reading the blob back verifies its digest and yields the
	// authoritative size. A caller-declared size only has to agree.
	size, err := io.Copy(io.Discard, reader)
	reader.Close()
	if err != nil {
		return nil, err
	}
	if entry.Size != 0 && entry.Size != size {
		return nil, errors.Join(ErrIngestionFailed, fmt.Errorf("declared size %d does not match stored blob size %d for digest %s", entry.Size, size, entry.Digest))
	}
	entry.Size = size

	// Timestamps are stored in UTC so lexical comparisons in the
	// metadata store order correctly.
	if entry.ArchivedAt.IsZero() {
		entry.ArchivedAt = time.Now().UTC()
	} else {
		entry.ArchivedAt = entry.ArchivedAt.UTC()
	}
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, errors.Join(ErrIngestionFailed, err)
	}
	err = as.metadataStore.RecordEntry(ctx, tx, &entry)
	if err != nil {
		tx.Rollback()
		return nil, errors.Join(ErrIngestionFailed, err)
	}
	err = tx.Commit()
	if err != nil {
		return nil, errors.Join(ErrIngestionFailed, err)
	}
	return &entry, nil
}

func (as *archiveStorage) ensureBlobStored(ctx context.Context, digest blobstore.Digest, content io.Reader) (deduplicated bool, err error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return false, err
	}
	exists, err := as.blobStore.HasBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if exists {
		tx.Commit()
		return true, nil
	}
	err = as.blobStore.PutBlob(ctx, tx, digest, content)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	err = tx.Commit()
	if err != nil {
		return false, err
	}
	return false, nil
}

func (as *archiveStorage) LookupLatest(ctx context.Context, identity string) (*Entry, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	entry, err := as.metadataStore.LookupLatestByIdentity(ctx, tx, identity)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	tx.Commit()
	return entry, nil
}

// Resolve prefers the digest reading of ref: a 64 char hex string with
// a stored blob resolves content-addressed, anything else is treated as
// an identity. An identity that happens to look like a digest of
// unstored content still resolves through the index.
func (as *archiveStorage) Resolve(ctx context.Context, ref string) (*ResolveResult, io.ReadCloser, error) {
	if digest, err := blobstore.ParseDigest(ref); err == nil {
		exists, err := as.HasBlob(ctx, *digest)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			reader, err := as.GetBlob(ctx, *digest)
			if err != nil {
				return nil, nil, err
			}
			return &ResolveResult{
				Digest: *digest,
				Size:   -1,
				Entry:  nil,
			}, reader, nil
		}
	}

	entry, err := as.LookupLatest(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	reader, err := as.GetBlob(ctx, entry.Digest)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, nil, fmt.Errorf("%w: entry %s references digest %s", ErrDanglingReference, entry.Identity, entry.Digest)
		}
		return nil, nil, err
	}
	return &ResolveResult{
		Digest: entry.Digest,
		Size:   entry.Size,
		Entry:  entry,
	}, reader, nil
}

func (as *archiveStorage) GetBlob(ctx context.Context, digest Digest) (io.ReadCloser, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	reader, err := as.blobStore.GetBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	tx.Commit()
	return blobstore.NewVerifyingReadCloser(reader, digest), nil
}

func (as *archiveStorage) HasBlob(ctx context.Context, digest Digest) (bool, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return false, err
	}
	exists, err := as.blobStore.HasBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	tx.Commit()
	return exists, nil
}

func (as *archiveStorage) ScanByTime(ctx context.Context, timeRange TimeRange, pageSize int) (EntryScanner, error) {
	if pageSize <= 0 {
		return nil, errors.New("pageSize must be positive")
	}
	return metadatastore.NewScanner(as.db, as.metadataStore, timeRange, pageSize), nil
}

func (as *archiveStorage) RemoveOrphanBlobs(ctx context.Context) (*GCResult, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, err
	}
	inUseDigests, err := as.metadataStore.GetInUseDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	storedDigests, err := as.blobStore.GetDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	inUse := make(map[Digest]struct{}, len(inUseDigests))
	for _, digest := range inUseDigests {
		inUse[digest] = struct{}{}
	}
	gcResult := GCResult{
		ScannedBlobs: len(storedDigests),
	}
	for _, digest := range storedDigests {
		if _, ok := inUse[digest]; ok {
			continue
		}
		err = as.blobStore.DeleteBlob(ctx, tx, digest)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		gcResult.RemovedBlobs++
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return &gcResult, nil
}

func (as *archiveStorage) VerifyAll(ctx context.Context) (*VerifyResult, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	inUseDigests, err := as.metadataStore.GetInUseDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	storedDigests, err := as.blobStore.GetDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	tx.Commit()

	stored := make(map[Digest]struct{}, len(storedDigests))
	for _, digest := range storedDigests {
		stored[digest] = struct{}{}
	}

	verifyResult := VerifyResult{}
	for _, digest := range storedDigests {
		verifyResult.CheckedBlobs++
		reader, err := as.GetBlob(ctx, digest)
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				continue
			}
			return nil, err
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			if errors.Is(err, ErrCorruptionDetected) {
				verifyResult.CorruptDigests = append(verifyResult.CorruptDigests, digest)
				continue
			}
			return nil, err
		}
	}
	for _, digest := range inUseDigests {
		if _, ok := stored[digest]; !ok {
			verifyResult.DanglingDigests = append(verifyResult.DanglingDigests, digest)
		}
	}
	return &verifyResult, nil
}

func (as *archiveStorage) CompactBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return 0, err
	}
	deleted, err := as.metadataStore.DeleteEntriesArchivedBefore(ctx, tx, t)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	err = tx.Commit()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (as *archiveStorage) Stats(ctx context.Context) (*StorageStats, error) {
	tx, err := as.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	entryCount, err := as.metadataStore.CountEntries(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	totalEntrySize, err := as.metadataStore.SumEntrySizes(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	storedDigests, err := as.blobStore.GetDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	tx.Commit()
	return &StorageStats{
		EntryCount:     entryCount,
		BlobCount:      int64(len(storedDigests)),
		TotalEntrySize: totalEntrySize,
	}, nil
}
