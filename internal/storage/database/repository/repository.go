package repository

import (
	"github.com/jdillenkofer/content-archiver/internal/storage/database/repository/blobcontent"
	blobContentSqlite "github.com/jdillenkofer/content-archiver/internal/storage/database/repository/blobcontent/sqlite"
	"github.com/jdillenkofer/content-archiver/internal/storage/database/repository/entry"
	entrySqlite "github.com/jdillenkofer/content-archiver/internal/storage/database/repository/entry/sqlite"
)

func NewEntryRepository() (entry.Repository, error) {
	return entrySqlite.NewRepository()
}

func NewBlobContentRepository() (blobcontent.Repository, error) {
	return blobContentSqlite.NewRepository()
}
