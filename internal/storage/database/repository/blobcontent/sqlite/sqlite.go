package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/storage/database/repository/blobcontent"
)

type sqliteRepository struct {
}

type Entity = blobcontent.Entity

const (
	putBlobContentStmt            = "INSERT OR REPLACE INTO blob_contents (digest, size, content, created_at) VALUES(?, ?, ?, ?)"
	findBlobContentByDigestStmt   = "SELECT digest, size, content, created_at FROM blob_contents WHERE digest = ?"
	existsBlobContentByDigestStmt = "SELECT EXISTS(SELECT 1 FROM blob_contents WHERE digest = ?)"
	findBlobContentDigestsStmt    = "SELECT digest FROM blob_contents"
	deleteBlobContentByDigestStmt = "DELETE FROM blob_contents WHERE digest = ?"
)

func NewRepository() (blobcontent.Repository, error) {
	return &sqliteRepository{}, nil
}

func (br *sqliteRepository) PutBlobContent(ctx context.Context, tx *sql.Tx, entity *Entity) error {
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, putBlobContentStmt, entity.Digest, entity.Size, entity.Content, entity.CreatedAt)
	return err
}

func (br *sqliteRepository) FindBlobContentByDigest(ctx context.Context, tx *sql.Tx, digest string) (*Entity, error) {
	row := tx.QueryRowContext(ctx, findBlobContentByDigestStmt, digest)
	var entity Entity
	err := row.Scan(&entity.Digest, &entity.Size, &entity.Content, &entity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (br *sqliteRepository) ExistsBlobContentByDigest(ctx context.Context, tx *sql.Tx, digest string) (bool, error) {
	row := tx.QueryRowContext(ctx, existsBlobContentByDigestStmt, digest)
	var exists bool
	err := row.Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (br *sqliteRepository) FindBlobContentDigests(ctx context.Context, tx *sql.Tx) ([]string, error) {
	digestRows, err := tx.QueryContext(ctx, findBlobContentDigestsStmt)
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

func (br *sqliteRepository) DeleteBlobContentByDigest(ctx context.Context, tx *sql.Tx, digest string) error {
	_, err := tx.ExecContext(ctx, deleteBlobContentByDigestStmt, digest)
	return err
}
