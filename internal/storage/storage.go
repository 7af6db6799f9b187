package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/metadatastore"
)

type Entry = metadatastore.Entry
type TimeRange = metadatastore.TimeRange
type Digest = blobstore.Digest

var ParseDigest = blobstore.ParseDigest
var DigestFromBytes = blobstore.DigestFromBytes

var ErrEntryNotFound error = metadatastore.ErrEntryNotFound
var ErrBlobNotFound error = blobstore.ErrBlobNotFound
var ErrCorruptionDetected error = blobstore.ErrCorruptionDetected
var ErrInvalidDigest error = blobstore.ErrInvalidDigest
var ErrDanglingReference error = errors.New("dangling reference")
var ErrIngestionFailed error = errors.New("ingestion failed")

// MaxEntitySize bounds a single ingested payload.
var MaxEntitySize int64 = 900 * 1000 * 1000 // 900 MB

var ErrEntityTooLarge error = errors.New("entity too large")

// IngestOptions carries the caller-supplied metadata of an ingestion.
type IngestOptions struct {
	ContentType *string
	// Source records where the content came from, e.g. the fetched URL.
	Source *string
	// ArchivedAt defaults to the ingestion time when nil.
	ArchivedAt *time.Time
}

type IngestResult struct {
	Entry Entry
	// Deduplicated is true when the content bytes were already stored
	// and only a new metadata entry was recorded.
	Deduplicated bool
}

// ResolveResult describes what a reference resolved to. Entry is nil
// when the reference was a raw digest without a metadata entry.
type ResolveResult struct {
	Digest Digest
	Size   int64
	Entry  *Entry
}

type GCResult struct {
	ScannedBlobs int
	RemovedBlobs int
}

type VerifyResult struct {
	CheckedBlobs    int
	CorruptDigests  []Digest
	DanglingDigests []Digest
}

func (vr *VerifyResult) Ok() bool {
	return len(vr.CorruptDigests) == 0 && len(vr.DanglingDigests) == 0
}

type StorageStats struct {
	EntryCount     int64
	BlobCount      int64
	TotalEntrySize int64
}

// EntryScanner yields pages of entries ordered by (archivedAt, id).
type EntryScanner interface {
	Next(ctx context.Context) ([]Entry, error)
}

// Ingestor admits new content into the archive.
type Ingestor interface {
	// Ingest stores the content and records an entry for identity.
	// The blob is durable before the entry becomes visible, so a crash
	// can leave an orphan blob but never an entry without its blob.
	Ingest(ctx context.Context, identity string, data io.Reader, opts IngestOptions) (*IngestResult, error)
	// Record indexes an additional entry for content that is already
	// stored. A digest without a stored blob fails with
	// ErrDanglingReference. The entry size is measured from the stored
	// blob, a nonzero declared size that disagrees is rejected, and
	// ArchivedAt is normalized to UTC.
	Record(ctx context.Context, entry Entry) (*Entry, error)
}

// Retriever resolves references and streams content back out.
type Retriever interface {
	// Resolve interprets ref as a digest when it parses as one and a
	// stored blob exists under it, otherwise as an identity.
	Resolve(ctx context.Context, ref string) (*ResolveResult, io.ReadCloser, error)
	LookupLatest(ctx context.Context, identity string) (*Entry, error)
	// GetBlob streams a blob by digest, verifying it against its key.
	GetBlob(ctx context.Context, digest Digest) (io.ReadCloser, error)
	HasBlob(ctx context.Context, digest Digest) (bool, error)
	ScanByTime(ctx context.Context, timeRange TimeRange, pageSize int) (EntryScanner, error)
}

// Maintainer covers the offline housekeeping operations.
type Maintainer interface {
	// RemoveOrphanBlobs deletes blobs no entry references.
	RemoveOrphanBlobs(ctx context.Context) (*GCResult, error)
	// VerifyAll re-hashes every stored blob and cross-checks entries.
	VerifyAll(ctx context.Context) (*VerifyResult, error)
	// CompactBefore drops entries archived before t. Blobs stay until
	// the next RemoveOrphanBlobs run.
	CompactBefore(ctx context.Context, t time.Time) (int64, error)
	Stats(ctx context.Context) (*StorageStats, error)
}

// Archive is the composite interface the server and tools operate on.
type Archive interface {
	lifecycle.Manager
	Ingestor
	Retriever
	Maintainer
}
