package config

import (
	"encoding/json"
	"errors"
	"reflect"

	internalConfig "github.com/jdillenkofer/content-archiver/internal/config"
	"github.com/jdillenkofer/content-archiver/internal/dependencyinjection"
	"github.com/jdillenkofer/content-archiver/internal/storage"
	blobStoreConfig "github.com/jdillenkofer/content-archiver/internal/storage/blobstore/config"
	databaseConfig "github.com/jdillenkofer/content-archiver/internal/storage/database/config"
	metadataStoreConfig "github.com/jdillenkofer/content-archiver/internal/storage/metadatastore/config"
	prometheusStorageMiddleware "github.com/jdillenkofer/content-archiver/internal/storage/middlewares/prometheus"
	tracingStorageMiddleware "github.com/jdillenkofer/content-archiver/internal/storage/middlewares/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	archiveStorageType              = "ArchiveStorage"
	prometheusStorageMiddlewareType = "PrometheusStorageMiddleware"
	tracingStorageMiddlewareType    = "TracingStorageMiddleware"
)

type StorageInstantiator = internalConfig.DynamicJsonInstantiator[storage.Archive]

type ArchiveStorageConfiguration struct {
	DatabaseInstantiator      databaseConfig.DatabaseInstantiator           `json:"-"`
	RawDatabase               json.RawMessage                               `json:"db"`
	MetadataStoreInstantiator metadataStoreConfig.MetadataStoreInstantiator `json:"-"`
	RawMetadataStore          json.RawMessage                               `json:"metadataStore"`
	BlobStoreInstantiator     blobStoreConfig.BlobStoreInstantiator         `json:"-"`
	RawBlobStore              json.RawMessage                               `json:"blobStore"`
	internalConfig.DynamicJsonType
}

func (a *ArchiveStorageConfiguration) UnmarshalJSON(b []byte) error {
	type archiveStorageConfiguration ArchiveStorageConfiguration
	err := json.Unmarshal(b, (*archiveStorageConfiguration)(a))
	if err != nil {
		return err
	}
	a.DatabaseInstantiator, err = databaseConfig.CreateDatabaseInstantiatorFromJson(a.RawDatabase)
	if err != nil {
		return err
	}
	a.MetadataStoreInstantiator, err = metadataStoreConfig.CreateMetadataStoreInstantiatorFromJson(a.RawMetadataStore)
	if err != nil {
		return err
	}
	a.BlobStoreInstantiator, err = blobStoreConfig.CreateBlobStoreInstantiatorFromJson(a.RawBlobStore)
	if err != nil {
		return err
	}
	return nil
}

func (a *ArchiveStorageConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	err := a.DatabaseInstantiator.RegisterReferences(diCollection)
	if err != nil {
		return err
	}
	err = a.MetadataStoreInstantiator.RegisterReferences(diCollection)
	if err != nil {
		return err
	}
	return a.BlobStoreInstantiator.RegisterReferences(diCollection)
}

func (a *ArchiveStorageConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (storage.Archive, error) {
	db, err := a.DatabaseInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	metadataStore, err := a.MetadataStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	blobStore, err := a.BlobStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return storage.NewArchiveStorage(db, metadataStore, blobStore)
}

type PrometheusStorageMiddlewareConfiguration struct {
	InnerStorageInstantiator StorageInstantiator `json:"-"`
	RawInnerStorage          json.RawMessage     `json:"innerStorage"`
	internalConfig.DynamicJsonType
}

func (p *PrometheusStorageMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type prometheusStorageMiddlewareConfiguration PrometheusStorageMiddlewareConfiguration
	err := json.Unmarshal(b, (*prometheusStorageMiddlewareConfiguration)(p))
	if err != nil {
		return err
	}
	p.InnerStorageInstantiator, err = CreateStorageInstantiatorFromJson(p.RawInnerStorage)
	if err != nil {
		return err
	}
	return nil
}

func (p *PrometheusStorageMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return p.InnerStorageInstantiator.RegisterReferences(diCollection)
}

func (p *PrometheusStorageMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (storage.Archive, error) {
	innerStorage, err := p.InnerStorageInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	registererObj, err := diProvider.LookupByType(reflect.TypeOf((*prometheus.Registerer)(nil)))
	if err != nil {
		return nil, err
	}
	registerer, ok := registererObj.(prometheus.Registerer)
	if !ok {
		return nil, errors.New("registered prometheus.Registerer has unexpected type")
	}
	return prometheusStorageMiddleware.NewStorageMiddleware(innerStorage, registerer)
}

type TracingStorageMiddlewareConfiguration struct {
	RegionName               internalConfig.StringProvider `json:"regionName"`
	InnerStorageInstantiator StorageInstantiator           `json:"-"`
	RawInnerStorage          json.RawMessage               `json:"innerStorage"`
	internalConfig.DynamicJsonType
}

func (t *TracingStorageMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tracingStorageMiddlewareConfiguration TracingStorageMiddlewareConfiguration
	err := json.Unmarshal(b, (*tracingStorageMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerStorageInstantiator, err = CreateStorageInstantiatorFromJson(t.RawInnerStorage)
	if err != nil {
		return err
	}
	return nil
}

func (t *TracingStorageMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerStorageInstantiator.RegisterReferences(diCollection)
}

func (t *TracingStorageMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (storage.Archive, error) {
	innerStorage, err := t.InnerStorageInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return tracingStorageMiddleware.NewStorageMiddleware(t.RegionName.Value(), innerStorage)
}

func CreateStorageInstantiatorFromJson(b []byte) (StorageInstantiator, error) {
	var sc internalConfig.DynamicJsonType
	err := json.Unmarshal(b, &sc)
	if err != nil {
		return nil, err
	}

	var si StorageInstantiator
	switch sc.Type {
	case archiveStorageType:
		si = &ArchiveStorageConfiguration{}
	case prometheusStorageMiddlewareType:
		si = &PrometheusStorageMiddlewareConfiguration{}
	case tracingStorageMiddlewareType:
		si = &TracingStorageMiddlewareConfiguration{}
	default:
		return nil, errors.New("unknown storage type")
	}
	err = json.Unmarshal(b, &si)
	if err != nil {
		return nil, err
	}
	return si, nil
}
