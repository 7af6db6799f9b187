package tink

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jdillenkofer/content-archiver/internal/ioutils"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/filesystem"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	"github.com/stretchr/testify/assert"
)

func setupEncryptedBlobStore(t *testing.T) (blobstore.BlobStore, blobstore.BlobStore, database.Database) {
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
	innerBlobStore, err := filesystem.New(filepath.Join(storagePath, "blobs"))
	assert.Nil(t, err)
	encryptedBlobStore, err := New("test-password", innerBlobStore)
	assert.Nil(t, err)
	return encryptedBlobStore, innerBlobStore, db
}

func TestTinkEncryptionBlobStoreMiddleware(t *testing.T) {
	encryptedBlobStore, _, db := setupEncryptedBlobStore(t)
	content := []byte("TinkEncryptionBlobStoreMiddleware")
	err := blobstore.Tester(encryptedBlobStore, db, content)
	assert.Nil(t, err)
}

func TestTinkEncryptionBlobStoreMiddlewareStoresCiphertext(t *testing.T) {
	encryptedBlobStore, innerBlobStore, db := setupEncryptedBlobStore(t)
	ctx := context.Background()
	err := encryptedBlobStore.Start(ctx)
	assert.Nil(t, err)
	defer encryptedBlobStore.Stop(ctx)

	content := []byte("plaintext must never hit the inner store")
	digest := blobstore.DigestFromBytes(content)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	assert.Nil(t, err)
	err = encryptedBlobStore.PutBlob(ctx, tx, digest, ioutils.NewByteReadSeekCloser(content))
	assert.Nil(t, err)
	err = tx.Commit()
	assert.Nil(t, err)

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	assert.Nil(t, err)
	innerReader, err := innerBlobStore.GetBlob(ctx, tx, digest)
	assert.Nil(t, err)
	tx.Commit()
	storedBytes, err := io.ReadAll(innerReader)
	innerReader.Close()
	assert.Nil(t, err)
	assert.NotContains(t, string(storedBytes), string(content))
}

func TestTinkEncryptionBlobStoreMiddlewareRejectsWrongPassword(t *testing.T) {
	encryptedBlobStore, innerBlobStore, db := setupEncryptedBlobStore(t)
	ctx := context.Background()
	err := encryptedBlobStore.Start(ctx)
	assert.Nil(t, err)
	defer encryptedBlobStore.Stop(ctx)

	content := []byte("secret content")
	digest := blobstore.DigestFromBytes(content)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	assert.Nil(t, err)
	err = encryptedBlobStore.PutBlob(ctx, tx, digest, ioutils.NewByteReadSeekCloser(content))
	assert.Nil(t, err)
	err = tx.Commit()
	assert.Nil(t, err)

	wrongPasswordBlobStore, err := New("wrong-password", innerBlobStore)
	assert.Nil(t, err)

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	assert.Nil(t, err)
	_, err = wrongPasswordBlobStore.GetBlob(ctx, tx, digest)
	tx.Commit()
	assert.NotNil(t, err)
}
