package entry

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity is one archived ingestion event. Entities are insert-only;
// re-archival of an identity adds a new row.
type Entity struct {
	Id          *ulid.ULID
	Identity    string
	Digest      string
	Size        int64
	ContentType *string
	Source      *string
	ArchivedAt  time.Time
	CreatedAt   time.Time
}

type Repository interface {
	// SaveEntry inserts the entity and assigns its id.
	SaveEntry(ctx context.Context, tx *sql.Tx, entity *Entity) error
	// FindLatestEntryByIdentity returns the most recent entry by archivedAt,
	// ties broken by id (insertion order). Returns nil when no row exists.
	FindLatestEntryByIdentity(ctx context.Context, tx *sql.Tx, identity string) (*Entity, error)
	// FindEntriesByTimeRange pages ascending by (archivedAt, id). The cursor
	// arguments are both nil on the first page and carry the last seen row
	// afterwards.
	FindEntriesByTimeRange(ctx context.Context, tx *sql.Tx, from time.Time, to time.Time, afterArchivedAt *time.Time, afterId *ulid.ULID, limit int) ([]Entity, error)
	FindInUseDigests(ctx context.Context, tx *sql.Tx) ([]string, error)
	CountEntries(ctx context.Context, tx *sql.Tx) (int64, error)
	SumEntrySizes(ctx context.Context, tx *sql.Tx) (int64, error)
	DeleteEntriesArchivedBefore(ctx context.Context, tx *sql.Tx, t time.Time) (int64, error)
}
