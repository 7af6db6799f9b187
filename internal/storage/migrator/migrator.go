package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/storage"
)

var ErrDestinationNotEmpty = errors.New("destination storage not empty")

const migrationPageSize = 256

// allTime spans every representable archive timestamp.
var allTime = storage.TimeRange{
	From: time.Time{},
	To:   time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC),
}

// MigrateStorage copies every entry and its content from source to
// destination, preserving identity, archive time and metadata. The
// destination must not contain any entries yet.
func MigrateStorage(ctx context.Context, source storage.Archive, destination storage.Archive) error {
	destinationStats, err := destination.Stats(ctx)
	if err != nil {
		return err
	}
	if destinationStats.EntryCount != 0 {
		return ErrDestinationNotEmpty
	}

	scanner, err := source.ScanByTime(ctx, allTime, migrationPageSize)
	if err != nil {
		return err
	}
	for {
		entries, err := scanner.Next(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			err = migrateEntry(ctx, source, destination, entry)
			if err != nil {
				return err
			}
		}
	}
}

func migrateEntry(ctx context.Context, source storage.Archive, destination storage.Archive, entry storage.Entry) error {
	reader, err := source.GetBlob(ctx, entry.Digest)
	if err != nil {
		return err
	}
	defer reader.Close()

	archivedAt := entry.ArchivedAt
	ingestResult, err := destination.Ingest(ctx, entry.Identity, reader, storage.IngestOptions{
		ContentType: entry.ContentType,
		Source:      entry.Source,
		ArchivedAt:  &archivedAt,
	})
	if err != nil {
		return err
	}
	if ingestResult.Entry.Digest != entry.Digest {
		return fmt.Errorf("digest mismatch after migrating %s: expected %s, got %s", entry.Identity, entry.Digest, ingestResult.Entry.Digest)
	}
	return nil
}
