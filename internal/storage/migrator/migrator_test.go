package migrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/storage"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/filesystem"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	repositoryFactory "github.com/jdillenkofer/content-archiver/internal/storage/database/repository"
	sqlMetadataStore "github.com/jdillenkofer/content-archiver/internal/storage/metadatastore/sql"
	"github.com/stretchr/testify/assert"
)

func setupArchiveStorage(t *testing.T) storage.Archive {
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
	blobStore, err := filesystem.New(filepath.Join(storagePath, "blobs"))
	assert.Nil(t, err)
	archive, err := storage.NewArchiveStorage(db, metadataStore, blobStore)
	assert.Nil(t, err)

	ctx := context.Background()
	err = archive.Start(ctx)
	assert.Nil(t, err)
	t.Cleanup(func() {
		archive.Stop(ctx)
	})
	return archive
}

func TestMigrateStorageCopiesAllEntries(t *testing.T) {
	ctx := context.Background()
	source := setupArchiveStorage(t)
	destination := setupArchiveStorage(t)

	contentType := "text/plain"
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		archivedAt := base.Add(time.Duration(i) * time.Second)
		_, err := source.Ingest(ctx, fmt.Sprintf("docs/%d", i), bytes.NewReader([]byte(fmt.Sprintf("content %d", i))), storage.IngestOptions{
			ContentType: &contentType,
			ArchivedAt:  &archivedAt,
		})
		assert.Nil(t, err)
	}

	err := MigrateStorage(ctx, source, destination)
	assert.Nil(t, err)

	destinationStats, err := destination.Stats(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(5), destinationStats.EntryCount)

	for i := 0; i < 5; i++ {
		entry, err := destination.LookupLatest(ctx, fmt.Sprintf("docs/%d", i))
		assert.Nil(t, err)
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), entry.ArchivedAt.UTC())
		assert.Equal(t, &contentType, entry.ContentType)

		reader, err := destination.GetBlob(ctx, entry.Digest)
		assert.Nil(t, err)
		content, err := io.ReadAll(reader)
		reader.Close()
		assert.Nil(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("content %d", i)), content)
	}
}

func TestMigrateStorageRefusesNonEmptyDestination(t *testing.T) {
	ctx := context.Background()
	source := setupArchiveStorage(t)
	destination := setupArchiveStorage(t)

	_, err := destination.Ingest(ctx, "occupied", bytes.NewReader([]byte("already here")), storage.IngestOptions{})
	assert.Nil(t, err)

	err = MigrateStorage(ctx, source, destination)
	assert.ErrorIs(t, err, ErrDestinationNotEmpty)
}
