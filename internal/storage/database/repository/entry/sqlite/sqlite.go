package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/storage/database/repository/entry"
	"github.com/oklog/ulid/v2"
)

type sqliteRepository struct {
}

const (
	insertEntryStmt = "INSERT INTO entries (id, identity, digest, size, content_type, source, archived_at, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)"

	findLatestEntryByIdentityStmt = "SELECT id, identity, digest, size, content_type, source, archived_at, created_at FROM entries WHERE identity = ? ORDER BY archived_at DESC, id DESC LIMIT 1"

	findEntriesByTimeRangeStmt = "SELECT id, identity, digest, size, content_type, source, archived_at, created_at FROM entries " +
		"WHERE archived_at >= ? AND archived_at < ? ORDER BY archived_at ASC, id ASC LIMIT ?"

	findEntriesByTimeRangeAfterCursorStmt = "SELECT id, identity, digest, size, content_type, source, archived_at, created_at FROM entries " +
		"WHERE archived_at >= ? AND archived_at < ? AND (archived_at > ? OR (archived_at = ? AND id > ?)) ORDER BY archived_at ASC, id ASC LIMIT ?"

	findInUseDigestsStmt = "SELECT DISTINCT digest FROM entries"

	countEntriesStmt = "SELECT COUNT(*) FROM entries"

	sumEntrySizesStmt = "SELECT COALESCE(SUM(size), 0) FROM entries"

	deleteEntriesArchivedBeforeStmt = "DELETE FROM entries WHERE archived_at < ?"
)

func NewRepository() (entry.Repository, error) {
	return &sqliteRepository{}, nil
}

func convertRowToEntryEntity(entryRows *sql.Rows) (*entry.Entity, error) {
	var id string
	var identity string
	var digest string
	var size int64
	var contentType *string
	var source *string
	var archivedAt time.Time
	var createdAt time.Time
	err := entryRows.Scan(&id, &identity, &digest, &size, &contentType, &source, &archivedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	entryEntity := entry.Entity{
		Id:          &ulidId,
		Identity:    identity,
		Digest:      digest,
		Size:        size,
		ContentType: contentType,
		Source:      source,
		ArchivedAt:  archivedAt,
		CreatedAt:   createdAt,
	}
	return &entryEntity, nil
}

func (er *sqliteRepository) SaveEntry(ctx context.Context, tx *sql.Tx, entity *entry.Entity) error {
	if entity.Id == nil {
		id := ulid.Make()
		entity.Id = &id
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, insertEntryStmt, entity.Id.String(), entity.Identity, entity.Digest, entity.Size, entity.ContentType, entity.Source, entity.ArchivedAt, entity.CreatedAt)
	return err
}

func (er *sqliteRepository) FindLatestEntryByIdentity(ctx context.Context, tx *sql.Tx, identity string) (*entry.Entity, error) {
	entryRows, err := tx.QueryContext(ctx, findLatestEntryByIdentityStmt, identity)
	if err != nil {
		return nil, err
	}
	defer entryRows.Close()
	if !entryRows.Next() {
		return nil, entryRows.Err()
	}
	return convertRowToEntryEntity(entryRows)
}

func (er *sqliteRepository) FindEntriesByTimeRange(ctx context.Context, tx *sql.Tx, from time.Time, to time.Time, afterArchivedAt *time.Time, afterId *ulid.ULID, limit int) ([]entry.Entity, error) {
	var entryRows *sql.Rows
	var err error
	if afterArchivedAt != nil && afterId != nil {
		entryRows, err = tx.QueryContext(ctx, findEntriesByTimeRangeAfterCursorStmt, from, to, *afterArchivedAt, *afterArchivedAt, afterId.String(), limit)
	} else {
		entryRows, err = tx.QueryContext(ctx, findEntriesByTimeRangeStmt, from, to, limit)
	}
	if err != nil {
		return nil, err
	}
	defer entryRows.Close()
	entries := []entry.Entity{}
	for entryRows.Next() {
		entryEntity, err := convertRowToEntryEntity(entryRows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entryEntity)
	}
	return entries, entryRows.Err()
}

func (er *sqliteRepository) FindInUseDigests(ctx context.Context, tx *sql.Tx) ([]string, error) {
	digestRows, err := tx.QueryContext(ctx, findInUseDigestsStmt)
	if err != nil {
		return nil, err
	}
	defer digestRows.Close()
	digests := []string{}
	for digestRows.Next() {
		var digest string
		err := digestRows.Scan(&digest)
		if err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}
	return digests, digestRows.Err()
}

func (er *sqliteRepository) CountEntries(ctx context.Context, tx *sql.Tx) (int64, error) {
	row := tx.QueryRowContext(ctx, countEntriesStmt)
	var count int64
	err := row.Scan(&count)
	return count, err
}

func (er *sqliteRepository) SumEntrySizes(ctx context.Context, tx *sql.Tx) (int64, error) {
	row := tx.QueryRowContext(ctx, sumEntrySizesStmt)
	var sum int64
	err := row.Scan(&sum)
	return sum, err
}

func (er *sqliteRepository) DeleteEntriesArchivedBefore(ctx context.Context, tx *sql.Tx, t time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, deleteEntriesArchivedBeforeStmt, t)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
