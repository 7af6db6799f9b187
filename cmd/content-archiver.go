package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/config"
	"github.com/jdillenkofer/content-archiver/internal/dependencyinjection"
	"github.com/jdillenkofer/content-archiver/internal/fetch"
	"github.com/jdillenkofer/content-archiver/internal/http/server"
	"github.com/jdillenkofer/content-archiver/internal/http/server/authorization/lua"
	"github.com/jdillenkofer/content-archiver/internal/settings"
	"github.com/jdillenkofer/content-archiver/internal/storage"
	storageConfig "github.com/jdillenkofer/content-archiver/internal/storage/config"
	"github.com/jdillenkofer/content-archiver/internal/storage/migrator"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultStorageConfig = `
{
  "type": "ArchiveStorage",
  "db": {
    "type": "RegisterDatabaseReference",
	"refName": "db",
	"db": {
      "type": "SqliteDatabase",
	  "dbPath": "./data/content-archiver.db"
	}
  },
  "metadataStore": {
    "type": "SqlMetadataStore",
	"db": {
	  "type": "DatabaseReference",
	  "refName": "db"
	}
  },
  "blobStore": {
    "type": "FilesystemBlobStore",
	"root": "./data/blobs"
  }
}
`

const defaultAuthorizationCode = `
function authorizeRequest(request)
  return true
end
`

const subcommandServe = "serve"
const subcommandGc = "gc"
const subcommandVerify = "verify"
const subcommandMigrateStorage = "migrate-storage"

func main() {
	var programLevel = new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     programLevel,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	if len(os.Args) < 2 {
		slog.Info(fmt.Sprintf("Usage: %s %s|%s|%s|%s [options]\n", os.Args[0], subcommandServe, subcommandGc, subcommandVerify, subcommandMigrateStorage))
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case subcommandServe:
		serve(ctx)
	case subcommandGc:
		gc(ctx)
	case subcommandVerify:
		verify(ctx)
	case subcommandMigrateStorage:
		migrateStorage(ctx)
	default:
		slog.Error(fmt.Sprintf("Invalid subcommand: %s. Expected one of '%s', '%s', '%s', '%s'.\n", subcommand, subcommandServe, subcommandGc, subcommandVerify, subcommandMigrateStorage))
		os.Exit(1)
	}
}

func serve(ctx context.Context) {
	settings, err := settings.LoadSettings(os.Args[2:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}

	dbContainer, store := loadStorageConfiguration(settings.StorageJsonPath())

	dbs := dbContainer.Dbs()

	err = store.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := store.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range dbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database: ", err))
				os.Exit(1)
			}
		}
	}()

	requestAuthorizer, err := loadRequestAuthorizer(settings.AuthorizerPath())
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create LuaAuthorizer: %s", err))
		os.Exit(1)
	}

	fetcher := fetch.NewFetcher(time.Duration(settings.FetchTimeoutSeconds())*time.Second, storage.MaxEntitySize)
	handler, err := server.SetupServer(settings.BearerToken(), settings.PublicUrl(), requestAuthorizer, fetcher, store)
	if err != nil {
		slog.Error(fmt.Sprint("Error while setting up server: ", err))
		os.Exit(1)
	}
	addr := fmt.Sprintf("%v:%v", settings.BindAddress(), settings.Port())
	httpServer := &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Addr:        addr,
		Handler:     handler,
	}

	if settings.MonitoringPortEnabled() {
		monitoringHandler := server.SetupMonitoringServer(dbs)
		monitoringAddr := fmt.Sprintf("%v:%v", settings.BindAddress(), settings.MonitoringPort())
		httpMonitoringServer := &http.Server{
			BaseContext: func(net.Listener) context.Context { return ctx },
			Addr:        monitoringAddr,
			Handler:     monitoringHandler,
		}
		go (func() {
			slog.Info(fmt.Sprintf("Listening with monitoring api on http://%v\n", monitoringAddr))
			httpMonitoringServer.ListenAndServe()
		})()
	}

	slog.Info(fmt.Sprintf("Listening with archive api on http://%v\n", addr))
	err = httpServer.ListenAndServe()
	if err != nil {
		slog.Error(fmt.Sprintf("Error while starting http server: %s", err))
		os.Exit(1)
	}
}

func loadRequestAuthorizer(authorizerPath string) (*lua.LuaAuthorizer, error) {
	authorizerCode, err := os.ReadFile(authorizerPath)
	if err != nil {
		slog.Warn(fmt.Sprint("Couldn't load authorizer: ", err))
		slog.Warn("Using defaultAuthorizationCode (which allows every operation) as fallback")
		authorizerCode = []byte(defaultAuthorizationCode)
	}
	return lua.NewLuaAuthorizer(string(authorizerCode))
}

func loadStorageConfiguration(storageJsonPath string) (*config.DbContainer, storage.Archive) {
	diContainer, err := dependencyinjection.NewContainer()
	if err != nil {
		slog.Error(fmt.Sprint("Error while creating diContainer: ", err))
		os.Exit(1)
	}
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*prometheus.Registerer)(nil)), prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while registering prometheus.Registerer in diContainer: ", err))
		os.Exit(1)
	}

	dbContainer := config.NewDbContainer()
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*config.DbContainer)(nil)), dbContainer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while registering dbContainer in diContainer: ", err))
		os.Exit(1)
	}

	storageJsonConfig, err := os.ReadFile(storageJsonPath)
	if err != nil {
		slog.Warn(fmt.Sprint("Couldn't load storageJson: ", err))
		slog.Warn("Using defaultStorageConfig as fallback")
		storageJsonConfig = []byte(defaultStorageConfig)
	}

	storageInstantiator, err := storageConfig.CreateStorageInstantiatorFromJson(storageJsonConfig)
	if err != nil {
		slog.Error(fmt.Sprint("Error while creating storageInstantiator from json: ", err))
		os.Exit(1)
	}
	err = storageInstantiator.RegisterReferences(diContainer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while registering references: ", err))
		os.Exit(1)
	}
	store, err := storageInstantiator.Instantiate(diContainer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while instantiating storage: ", err))
		os.Exit(1)
	}
	return dbContainer, store
}

func withStorage(ctx context.Context, storageJsonPath string, operation func(store storage.Archive)) {
	dbContainer, store := loadStorageConfiguration(storageJsonPath)

	dbs := dbContainer.Dbs()

	err := store.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := store.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range dbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database: ", err))
				os.Exit(1)
			}
		}
	}()

	operation(store)
}

func gc(ctx context.Context) {
	settings, err := settings.LoadSettings(os.Args[2:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}

	compactBefore := time.Time{}
	if settings.CompactBefore() != "" {
		compactBefore, err = time.Parse(time.RFC3339, settings.CompactBefore())
		if err != nil {
			slog.Error(fmt.Sprint("Invalid compactBefore timestamp: ", err))
			os.Exit(1)
		}
	}

	withStorage(ctx, settings.StorageJsonPath(), func(store storage.Archive) {
		if !compactBefore.IsZero() {
			slog.Info(fmt.Sprintf("Compacting entries archived before %s", compactBefore.Format(time.RFC3339)))
			deleted, err := store.CompactBefore(ctx, compactBefore)
			if err != nil {
				slog.Error(fmt.Sprint("Could not compact entries: ", err))
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Removed %d entries", deleted))
		}
		slog.Info("Removing orphan blobs")
		gcResult, err := store.RemoveOrphanBlobs(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Could not remove orphan blobs: ", err))
			os.Exit(1)
		}
		slog.Info(fmt.Sprintf("Scanned %d blobs, removed %d orphans", gcResult.ScannedBlobs, gcResult.RemovedBlobs))
	})
}

func verify(ctx context.Context) {
	settings, err := settings.LoadSettings(os.Args[2:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}

	withStorage(ctx, settings.StorageJsonPath(), func(store storage.Archive) {
		slog.Info("Verifying stored content")
		verifyResult, err := store.VerifyAll(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Could not verify storage: ", err))
			os.Exit(1)
		}
		slog.Info(fmt.Sprintf("Checked %d blobs", verifyResult.CheckedBlobs))
		for _, digest := range verifyResult.CorruptDigests {
			slog.Error(fmt.Sprintf("Corrupt blob: %s", digest))
		}
		for _, digest := range verifyResult.DanglingDigests {
			slog.Error(fmt.Sprintf("Dangling reference, no blob stored for digest: %s", digest))
		}
		if !verifyResult.Ok() {
			os.Exit(1)
		}
		slog.Info("No corruption detected")
	})
}

func migrateStorage(ctx context.Context) {
	if len(os.Args) < 4 {
		slog.Info(fmt.Sprintf("Usage: %s %s [source-config.json] [destination-config.json]\n", os.Args[0], subcommandMigrateStorage))
		os.Exit(1)
	}
	sourceStorageConfig := os.Args[2]
	destinationStorageConfig := os.Args[3]

	sourceDbContainer, sourceStorage := loadStorageConfiguration(sourceStorageConfig)

	sourceDbs := sourceDbContainer.Dbs()

	err := sourceStorage.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := sourceStorage.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range sourceDbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database:", err))
				os.Exit(1)
			}
		}
	}()

	destinationDbContainer, destinationStorage := loadStorageConfiguration(destinationStorageConfig)

	destinationDbs := destinationDbContainer.Dbs()

	err = destinationStorage.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := destinationStorage.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range destinationDbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database: ", err))
				os.Exit(1)
			}
		}
	}()

	slog.Info("Storage migration started!")
	err = migrator.MigrateStorage(ctx, sourceStorage, destinationStorage)
	if err != nil {
		slog.Error(fmt.Sprint("Could not migrate storage: ", err))
		os.Exit(1)
	}
	slog.Info("Storage migration successfully completed!")
}
