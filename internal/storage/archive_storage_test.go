package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/ioutils"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	repositoryFactory "github.com/jdillenkofer/content-archiver/internal/storage/database/repository"
	sqlMetadataStore "github.com/jdillenkofer/content-archiver/internal/storage/metadatastore/sql"
	"github.com/stretchr/testify/assert"
)

// countingBlobStore tracks physical writes so tests can assert that
// deduplicated ingestions never hit the backend twice.
type countingBlobStore struct {
	mu       sync.Mutex
	blobs    map[blobstore.Digest][]byte
	putCalls map[blobstore.Digest]int
	failPuts bool
}

var _ blobstore.BlobStore = (*countingBlobStore)(nil)

func newCountingBlobStore() *countingBlobStore {
	return &countingBlobStore{
		blobs:    make(map[blobstore.Digest][]byte),
		putCalls: make(map[blobstore.Digest]int),
	}
}

func (bs *countingBlobStore) Start(ctx context.Context) error {
	return nil
}

func (bs *countingBlobStore) Stop(ctx context.Context) error {
	return nil
}

func (bs *countingBlobStore) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	content, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.failPuts {
		return errors.New("simulated backend failure")
	}
	bs.putCalls[digest]++
	bs.blobs[digest] = content
	return nil
}

func (bs *countingBlobStore) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	content, ok := bs.blobs[digest]
	if !ok {
		return nil, blobstore.ErrBlobNotFound
	}
	return ioutils.NewByteReadSeekCloser(bytes.Clone(content)), nil
}

func (bs *countingBlobStore) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.blobs[digest]
	return ok, nil
}

func (bs *countingBlobStore) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	digests := []blobstore.Digest{}
	for digest := range bs.blobs {
		digests = append(digests, digest)
	}
	return digests, nil
}

func (bs *countingBlobStore) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.blobs, digest)
	return nil
}

func (bs *countingBlobStore) corrupt(digest blobstore.Digest) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	content := bs.blobs[digest]
	corrupted := bytes.Clone(content)
	if len(corrupted) > 0 {
		corrupted[0] ^= 0xff
	} else {
		corrupted = []byte("x")
	}
	bs.blobs[digest] = corrupted
}

func setupArchiveStorage(t *testing.T) (Archive, *countingBlobStore) {
	storagePath, err := os.MkdirTemp("", "content-archiver-test-data-")
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create temp directory: %s", err))
		os.Exit(1)
	}
	dbPath := filepath.Join(storagePath, "content-archiver.db")
	db, err := database.OpenDatabase(database.DB_TYPE_SQLITE, dbPath)
	if err != nil {
		slog.Error("Couldn't open database")
		os.Exit(1)
	}
	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(storagePath)
	})

	entryRepository, err := repositoryFactory.NewEntryRepository()
	assert.Nil(t, err)
	metadataStore, err := sqlMetadataStore.New(entryRepository)
	assert.Nil(t, err)
	blobStore := newCountingBlobStore()
	archive, err := NewArchiveStorage(db, metadataStore, blobStore)
	assert.Nil(t, err)

	ctx := context.Background()
	err = archive.Start(ctx)
	assert.Nil(t, err)
	t.Cleanup(func() {
		archive.Stop(ctx)
	})
	return archive, blobStore
}

func ingest(t *testing.T, archive Archive, identity string, content []byte) *IngestResult {
	result, err := archive.Ingest(context.Background(), identity, bytes.NewReader(content), IngestOptions{})
	assert.Nil(t, err)
	return result
}

func TestIngestAndLookupLatest(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("hello archive")
	result := ingest(t, archive, "docs/hello", content)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, DigestFromBytes(content), result.Entry.Digest)
	assert.Equal(t, int64(len(content)), result.Entry.Size)

	entry, err := archive.LookupLatest(ctx, "docs/hello")
	assert.Nil(t, err)
	assert.Equal(t, result.Entry.Digest, entry.Digest)

	_, err = archive.LookupLatest(ctx, "docs/missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestIngestDeduplicatesEqualBytes(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)

	content := []byte("same bytes, two names")
	first := ingest(t, archive, "a", content)
	second := ingest(t, archive, "b", content)

	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Entry.Digest, second.Entry.Digest)
	assert.Equal(t, 1, blobStore.putCalls[first.Entry.Digest])
}

func TestIngestLatestWinsPerIdentity(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	ingest(t, archive, "report", []byte("v1"))
	second := ingest(t, archive, "report", []byte("v2"))

	entry, err := archive.LookupLatest(ctx, "report")
	assert.Nil(t, err)
	assert.Equal(t, second.Entry.Digest, entry.Digest)
}

func TestConcurrentIngestSameContentWritesOnce(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("contended content")
	digest := DigestFromBytes(content)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := archive.Ingest(ctx, fmt.Sprintf("identity/%d", i), bytes.NewReader(content), IngestOptions{})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.Nil(t, err)
	}
	assert.Equal(t, 1, blobStore.putCalls[digest])
}

func TestFailedBlobWriteRecordsNoEntry(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)
	ctx := context.Background()

	blobStore.failPuts = true
	_, err := archive.Ingest(ctx, "doomed", bytes.NewReader([]byte("never stored")), IngestOptions{})
	assert.ErrorIs(t, err, ErrIngestionFailed)

	_, err = archive.LookupLatest(ctx, "doomed")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRecordAdditionalIdentityForStoredContent(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("shared content")
	result := ingest(t, archive, "original", content)

	recorded, err := archive.Record(ctx, Entry{
		Identity:   "alias",
		Digest:     result.Entry.Digest,
		Size:       result.Entry.Size,
		ArchivedAt: time.Now().UTC(),
	})
	assert.Nil(t, err)
	assert.NotNil(t, recorded.Id)

	entry, err := archive.LookupLatest(ctx, "alias")
	assert.Nil(t, err)
	assert.Equal(t, result.Entry.Digest, entry.Digest)
	assert.Equal(t, 1, blobStore.putCalls[result.Entry.Digest])
}

func TestRecordStoresArchivedAtInUtc(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	older := time.Date(2026, time.January, 2, 10, 0, 0, 0, time.UTC)
	_, err := archive.Ingest(ctx, "tz/page", bytes.NewReader([]byte("first snapshot")), IngestOptions{
		ArchivedAt: &older,
	})
	assert.Nil(t, err)

	newerContent := []byte("second snapshot")
	newerResult := ingest(t, archive, "tz/other", newerContent)

	// 05:30 at UTC-5 is 10:30 UTC, half an hour after the first entry.
	recorded, err := archive.Record(ctx, Entry{
		Identity:   "tz/page",
		Digest:     newerResult.Entry.Digest,
		ArchivedAt: time.Date(2026, time.January, 2, 5, 30, 0, 0, time.FixedZone("UTC-5", -5*60*60)),
	})
	assert.Nil(t, err)
	assert.Equal(t, time.UTC, recorded.ArchivedAt.Location())

	entry, err := archive.LookupLatest(ctx, "tz/page")
	assert.Nil(t, err)
	assert.Equal(t, newerResult.Entry.Digest, entry.Digest)
}

func TestRecordDerivesSizeFromStoredBlob(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("sized by the blob store")
	result := ingest(t, archive, "sized", content)

	recorded, err := archive.Record(ctx, Entry{
		Identity: "sized/alias",
		Digest:   result.Entry.Digest,
	})
	assert.Nil(t, err)
	assert.Equal(t, int64(len(content)), recorded.Size)
}

func TestRecordRejectsMismatchedSize(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("authoritative bytes")
	result := ingest(t, archive, "measured", content)

	_, err := archive.Record(ctx, Entry{
		Identity: "measured/alias",
		Digest:   result.Entry.Digest,
		Size:     int64(len(content)) + 1,
	})
	assert.ErrorIs(t, err, ErrIngestionFailed)

	_, err = archive.LookupLatest(ctx, "measured/alias")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRecordRejectsDanglingDigest(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	_, err := archive.Record(ctx, Entry{
		Identity: "nowhere",
		Digest:   DigestFromBytes([]byte("never stored")),
		Size:     12,
	})
	assert.ErrorIs(t, err, ErrDanglingReference)

	_, err = archive.LookupLatest(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestResolveByIdentityAndByDigest(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("resolvable content")
	result := ingest(t, archive, "resolvable", content)

	resolveResult, reader, err := archive.Resolve(ctx, "resolvable")
	assert.Nil(t, err)
	readContent, err := io.ReadAll(reader)
	reader.Close()
	assert.Nil(t, err)
	assert.Equal(t, content, readContent)
	assert.NotNil(t, resolveResult.Entry)
	assert.Equal(t, result.Entry.Digest, resolveResult.Digest)

	resolveResult, reader, err = archive.Resolve(ctx, result.Entry.Digest.String())
	assert.Nil(t, err)
	readContent, err = io.ReadAll(reader)
	reader.Close()
	assert.Nil(t, err)
	assert.Equal(t, content, readContent)
	assert.Nil(t, resolveResult.Entry)

	_, _, err = archive.Resolve(ctx, "no/such/ref")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestResolveDigestShapedIdentityFallsBackToIndex(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	// An identity that parses as a digest but has no stored blob under
	// that digest must still resolve through the index.
	digestShapedIdentity := DigestFromBytes([]byte("not stored under this key")).String()
	content := []byte("indexed under a digest-shaped name")
	ingest(t, archive, digestShapedIdentity, content)

	resolveResult, reader, err := archive.Resolve(ctx, digestShapedIdentity)
	assert.Nil(t, err)
	readContent, err := io.ReadAll(reader)
	reader.Close()
	assert.Nil(t, err)
	assert.Equal(t, content, readContent)
	assert.NotNil(t, resolveResult.Entry)
}

func TestCorruptedBlobIsNeverServedSilently(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)
	ctx := context.Background()

	content := []byte("pristine bytes")
	result := ingest(t, archive, "fragile", content)

	blobStore.corrupt(result.Entry.Digest)

	reader, err := archive.GetBlob(ctx, result.Entry.Digest)
	assert.Nil(t, err)
	_, err = io.Copy(io.Discard, reader)
	reader.Close()
	assert.ErrorIs(t, err, ErrCorruptionDetected)
}

func TestResolveDanglingEntry(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)
	ctx := context.Background()

	result := ingest(t, archive, "orphaned", []byte("soon to dangle"))

	// Remove the blob behind the entry's back.
	err := blobStore.DeleteBlob(ctx, nil, result.Entry.Digest)
	assert.Nil(t, err)

	_, _, err = archive.Resolve(ctx, "orphaned")
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestVerifyAllReportsCorruptionAndDanglingReferences(t *testing.T) {
	archive, blobStore := setupArchiveStorage(t)
	ctx := context.Background()

	healthy := ingest(t, archive, "healthy", []byte("healthy content"))
	corrupt := ingest(t, archive, "corrupt", []byte("corruptible content"))
	dangling := ingest(t, archive, "dangling", []byte("dangling content"))

	blobStore.corrupt(corrupt.Entry.Digest)
	err := blobStore.DeleteBlob(ctx, nil, dangling.Entry.Digest)
	assert.Nil(t, err)

	verifyResult, err := archive.VerifyAll(ctx)
	assert.Nil(t, err)
	assert.False(t, verifyResult.Ok())
	assert.Equal(t, []Digest{corrupt.Entry.Digest}, verifyResult.CorruptDigests)
	assert.Equal(t, []Digest{dangling.Entry.Digest}, verifyResult.DanglingDigests)
	assert.NotContains(t, verifyResult.CorruptDigests, healthy.Entry.Digest)
}

func TestRemoveOrphanBlobs(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	old := ingest(t, archive, "old", []byte("old content"))
	keep := ingest(t, archive, "keep", []byte("fresh content"))

	deleted, err := archive.CompactBefore(ctx, keep.Entry.ArchivedAt)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), deleted)

	gcResult, err := archive.RemoveOrphanBlobs(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 2, gcResult.ScannedBlobs)
	assert.Equal(t, 1, gcResult.RemovedBlobs)

	exists, err := archive.HasBlob(ctx, old.Entry.Digest)
	assert.Nil(t, err)
	assert.False(t, exists)
	exists, err = archive.HasBlob(ctx, keep.Entry.Digest)
	assert.Nil(t, err)
	assert.True(t, exists)
}

func TestScanByTimeRespectsRangeAndOrder(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		archivedAt := base.Add(time.Duration(i) * time.Second)
		_, err := archive.Ingest(ctx, fmt.Sprintf("scan/%d", i), bytes.NewReader([]byte(fmt.Sprintf("scan content %d", i))), IngestOptions{
			ArchivedAt: &archivedAt,
		})
		assert.Nil(t, err)
	}

	scanner, err := archive.ScanByTime(ctx, TimeRange{
		From: base.Add(1 * time.Second),
		To:   base.Add(4 * time.Second),
	}, 2)
	assert.Nil(t, err)

	collected := []Entry{}
	for {
		entries, err := scanner.Next(ctx)
		assert.Nil(t, err)
		if len(entries) == 0 {
			break
		}
		collected = append(collected, entries...)
	}
	assert.Len(t, collected, 3)
	assert.Equal(t, "scan/1", collected[0].Identity)
	assert.Equal(t, "scan/2", collected[1].Identity)
	assert.Equal(t, "scan/3", collected[2].Identity)
}

func TestIngestRejectsOversizedContent(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	originalMaxEntitySize := MaxEntitySize
	MaxEntitySize = 16
	defer func() {
		MaxEntitySize = originalMaxEntitySize
	}()

	_, err := archive.Ingest(ctx, "too-big", bytes.NewReader(bytes.Repeat([]byte("x"), 17)), IngestOptions{})
	assert.ErrorIs(t, err, ErrEntityTooLarge)
}

func TestStats(t *testing.T) {
	archive, _ := setupArchiveStorage(t)
	ctx := context.Background()

	ingest(t, archive, "one", []byte("abc"))
	ingest(t, archive, "two", []byte("abc"))
	ingest(t, archive, "three", []byte("defg"))

	stats, err := archive.Stats(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(3), stats.EntryCount)
	assert.Equal(t, int64(2), stats.BlobCount)
	assert.Equal(t, int64(3+3+4), stats.TotalEntrySize)
}
