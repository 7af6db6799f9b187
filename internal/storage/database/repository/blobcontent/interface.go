package blobcontent

import (
	"context"
	"database/sql"
	"time"
)

type Entity struct {
	Digest    string
	Size      int64
	Content   []byte
	CreatedAt time.Time
}

type Repository interface {
	// PutBlobContent upserts; rewriting identical content under the same
	// digest must not fail.
	PutBlobContent(ctx context.Context, tx *sql.Tx, entity *Entity) error
	// FindBlobContentByDigest returns nil when no row exists.
	FindBlobContentByDigest(ctx context.Context, tx *sql.Tx, digest string) (*Entity, error)
	ExistsBlobContentByDigest(ctx context.Context, tx *sql.Tx, digest string) (bool, error)
	FindBlobContentDigests(ctx context.Context, tx *sql.Tx) ([]string, error)
	DeleteBlobContentByDigest(ctx context.Context, tx *sql.Tx, digest string) error
}
