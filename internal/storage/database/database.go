package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var migrationsFilesystem embed.FS

const DB_TYPE_SQLITE = "sqlite"

var ErrUnknownDatabaseType = errors.New("unknown database type")

// In auto-vacuum full mode freelist pages are moved to the end of the file
// and the file is truncated
// See https://www.sqlite.org/pragma.html#pragma_auto_vacuum
func enableAutoVacuumFullMode(db *sql.DB) error {
	_, err := db.Exec("PRAGMA auto_vacuum = FULL;")
	return err
}

func enableWALJournalMode(db *sql.DB) error {
	_, err := db.Exec("PRAGMA journal_mode = WAL;")
	return err
}

func enableNormalSynchronous(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous = NORMAL;")
	return err
}

func enableForeignKeyConstraints(db *sql.DB) error {
	_, err := db.Exec("PRAGMA foreign_keys = ON;")
	return err
}

func applyDatabaseMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFilesystem, "migrations/sqlite")
	if err != nil {
		return err
	}

	databaseDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", databaseDriver)
	if err != nil {
		return err
	}
	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

type Database interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

type sqliteDatabase struct {
	readOnlyDb  *sql.DB
	writeableDb *sql.DB
}

func (sdb *sqliteDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if opts != nil && opts.ReadOnly {
		return sdb.readOnlyDb.BeginTx(ctx, opts)
	}
	return sdb.writeableDb.BeginTx(ctx, opts)
}

func (sdb *sqliteDatabase) PingContext(ctx context.Context) error {
	return sdb.readOnlyDb.PingContext(ctx)
}

func (sdb *sqliteDatabase) Close() error {
	err := sdb.readOnlyDb.Close()
	if err != nil {
		return err
	}
	err = sdb.writeableDb.Close()
	if err != nil {
		return err
	}
	return nil
}

func OpenDatabase(dbType string, dbPath string) (Database, error) {
	switch dbType {
	case DB_TYPE_SQLITE:
		return openSqliteDatabase(dbPath)
	default:
		return nil, ErrUnknownDatabaseType
	}
}

func openSqliteDatabase(dbPath string) (Database, error) {
	storagePath := filepath.Dir(dbPath)
	err := os.MkdirAll(storagePath, os.ModePerm)
	if err != nil {
		return nil, err
	}

	writeableDb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; serializing writes in the pool
	// avoids SQLITE_BUSY under concurrent ingestions.
	writeableDb.SetMaxOpenConns(1)

	for _, enable := range []func(*sql.DB) error{
		enableAutoVacuumFullMode,
		enableWALJournalMode,
		enableNormalSynchronous,
		enableForeignKeyConstraints,
	} {
		err = enable(writeableDb)
		if err != nil {
			writeableDb.Close()
			return nil, err
		}
	}

	err = applyDatabaseMigrations(writeableDb)
	if err != nil {
		writeableDb.Close()
		return nil, err
	}

	readOnlyDb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&mode=ro", dbPath))
	if err != nil {
		writeableDb.Close()
		return nil, err
	}

	return &sqliteDatabase{
		readOnlyDb:  readOnlyDb,
		writeableDb: writeableDb,
	}, nil
}
