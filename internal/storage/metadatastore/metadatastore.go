package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	"github.com/oklog/ulid/v2"
)

// Entry is one archival event: identity -> digest at a point in time.
// Entries are append-only, re-archiving an identity records a new entry
// instead of mutating the old one.
type Entry struct {
	Id          *ulid.ULID
	Identity    string
	Digest      blobstore.Digest
	Size        int64
	ContentType *string
	Source      *string
	ArchivedAt  time.Time
	CreatedAt   time.Time
}

// TimeRange selects entries with From <= ArchivedAt < To.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.From) && t.Before(tr.To)
}

var ErrEntryNotFound error = errors.New("entry not found")

type MetadataStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// RecordEntry appends the entry and assigns its id.
	RecordEntry(ctx context.Context, tx *sql.Tx, entry *Entry) error
	// LookupLatestByIdentity returns the entry with the greatest
	// (archivedAt, id) for the identity or ErrEntryNotFound.
	LookupLatestByIdentity(ctx context.Context, tx *sql.Tx, identity string) (*Entry, error)
	// ScanByTimeRange returns up to limit entries ordered by
	// (archivedAt, id) ascending, starting after the cursor when given.
	ScanByTimeRange(ctx context.Context, tx *sql.Tx, timeRange TimeRange, afterArchivedAt *time.Time, afterId *ulid.ULID, limit int) ([]Entry, error)
	GetInUseDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error)
	CountEntries(ctx context.Context, tx *sql.Tx) (int64, error)
	SumEntrySizes(ctx context.Context, tx *sql.Tx) (int64, error)
	DeleteEntriesArchivedBefore(ctx context.Context, tx *sql.Tx, t time.Time) (int64, error)
}

// Scanner pages through a time range with a fresh read transaction per
// page. The (archivedAt, id) cursor makes the scan restartable: entries
// recorded while scanning are either seen exactly once or lie behind the
// cursor, never duplicated.
type Scanner struct {
	db              database.Database
	metadataStore   MetadataStore
	timeRange       TimeRange
	pageSize        int
	afterArchivedAt *time.Time
	afterId         *ulid.ULID
	done            bool
}

func NewScanner(db database.Database, metadataStore MetadataStore, timeRange TimeRange, pageSize int) *Scanner {
	return &Scanner{
		db:            db,
		metadataStore: metadataStore,
		timeRange:     timeRange,
		pageSize:      pageSize,
	}
}

// Next returns the next page of entries, or an empty slice once the
// range is exhausted.
func (s *Scanner) Next(ctx context.Context) ([]Entry, error) {
	if s.done {
		return []Entry{}, nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	entries, err := s.metadataStore.ScanByTimeRange(ctx, tx, s.timeRange, s.afterArchivedAt, s.afterId, s.pageSize)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	tx.Commit()
	if len(entries) < s.pageSize {
		s.done = true
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		s.afterArchivedAt = &last.ArchivedAt
		s.afterId = last.Id
	}
	return entries, nil
}

func Tester(metadataStore MetadataStore, db database.Database) error {
	ctx := context.Background()
	err := metadataStore.Start(ctx)
	if err != nil {
		return err
	}
	defer metadataStore.Stop(ctx)

	identity := "reports/weekly"
	digest := blobstore.DigestFromBytes([]byte("first revision"))
	now := time.Now().UTC()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	_, err = metadataStore.LookupLatestByIdentity(ctx, tx, identity)
	tx.Commit()
	if err != ErrEntryNotFound {
		return errors.New("expected ErrEntryNotFound before first record")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = metadataStore.RecordEntry(ctx, tx, &Entry{
		Identity:   identity,
		Digest:     digest,
		Size:       14,
		ArchivedAt: now,
	})
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	digest2 := blobstore.DigestFromBytes([]byte("second revision"))
	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = metadataStore.RecordEntry(ctx, tx, &Entry{
		Identity:   identity,
		Digest:     digest2,
		Size:       15,
		ArchivedAt: now.Add(time.Second),
	})
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	latest, err := metadataStore.LookupLatestByIdentity(ctx, tx, identity)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	if latest.Digest != digest2 {
		return errors.New("expected latest entry to carry the second digest")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	entries, err := metadataStore.ScanByTimeRange(ctx, tx, TimeRange{From: now, To: now.Add(time.Minute)}, nil, nil, 100)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	if len(entries) != 2 {
		return errors.New("expected 2 entries in range got " + strconv.Itoa(len(entries)))
	}
	if entries[0].Digest != digest || entries[1].Digest != digest2 {
		return errors.New("expected entries ordered by archival time")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	inUseDigests, err := metadataStore.GetInUseDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	count, err := metadataStore.CountEntries(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	if len(inUseDigests) != 2 {
		return errors.New("expected 2 in-use digests got " + strconv.Itoa(len(inUseDigests)))
	}
	if count != 2 {
		return errors.New("expected entry count 2")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	deleted, err := metadataStore.DeleteEntriesArchivedBefore(ctx, tx, now.Add(time.Second))
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	if deleted != 1 {
		return errors.New("expected 1 deleted entry")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	latest, err = metadataStore.LookupLatestByIdentity(ctx, tx, identity)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	if latest.Digest != digest2 {
		return errors.New("expected latest entry to survive compaction")
	}

	return nil
}
