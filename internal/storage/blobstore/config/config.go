package config

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
	internalConfig "github.com/jdillenkofer/content-archiver/internal/config"
	"github.com/jdillenkofer/content-archiver/internal/dependencyinjection"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/filesystem"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/middlewares/encryption/tink"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/middlewares/tracing"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/s3"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/sftp"
	sftpConfig "github.com/jdillenkofer/content-archiver/internal/storage/blobstore/sftp/config"
	sqlBlobStore "github.com/jdillenkofer/content-archiver/internal/storage/blobstore/sql"
	databaseConfig "github.com/jdillenkofer/content-archiver/internal/storage/database/config"
	repositoryFactory "github.com/jdillenkofer/content-archiver/internal/storage/database/repository"
)

const (
	filesystemBlobStoreType               = "FilesystemBlobStore"
	sqlBlobStoreType                      = "SqlBlobStore"
	s3BlobStoreType                       = "S3BlobStore"
	sftpBlobStoreType                     = "SftpBlobStore"
	tinkEncryptionBlobStoreMiddlewareType = "TinkEncryptionBlobStoreMiddleware"
	tracingBlobStoreMiddlewareType        = "TracingBlobStoreMiddleware"
)

type BlobStoreInstantiator = internalConfig.DynamicJsonInstantiator[blobstore.BlobStore]

type FilesystemBlobStoreConfiguration struct {
	Root internalConfig.StringProvider `json:"root"`
	internalConfig.DynamicJsonType
}

func (f *FilesystemBlobStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return nil
}

func (f *FilesystemBlobStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (blobstore.BlobStore, error) {
	return filesystem.New(f.Root.Value())
}

type SqlBlobStoreConfiguration struct {
	DatabaseInstantiator databaseConfig.DatabaseInstantiator `json:"-"`
	RawDatabase          json.RawMessage                     `json:"db"`
	internalConfig.DynamicJsonType
}

func (s *SqlBlobStoreConfiguration) UnmarshalJSON(b []byte) error {
	type sqlBlobStoreConfiguration SqlBlobStoreConfiguration
	err := json.Unmarshal(b, (*sqlBlobStoreConfiguration)(s))
	if err != nil {
		return err
	}
	s.DatabaseInstantiator, err = databaseConfig.CreateDatabaseInstantiatorFromJson(s.RawDatabase)
	if err != nil {
		return err
	}
	return nil
}

func (s *SqlBlobStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return s.DatabaseInstantiator.RegisterReferences(diCollection)
}

func (s *SqlBlobStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (blobstore.BlobStore, error) {
	db, err := s.DatabaseInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	blobContentRepository, err := repositoryFactory.NewBlobContentRepository()
	if err != nil {
		return nil, err
	}
	return sqlBlobStore.New(db, blobContentRepository)
}

type S3BlobStoreConfiguration struct {
	Region          internalConfig.StringProvider `json:"region"`
	Endpoint        internalConfig.StringProvider `json:"endpoint,omitempty"`
	UsePathStyle    internalConfig.BoolProvider   `json:"usePathStyle,omitempty"`
	AccessKeyId     internalConfig.StringProvider `json:"accessKeyId"`
	SecretAccessKey internalConfig.StringProvider `json:"secretAccessKey"`
	Bucket          internalConfig.StringProvider `json:"bucket"`
	KeyPrefix       internalConfig.StringProvider `json:"keyPrefix,omitempty"`
	internalConfig.DynamicJsonType
}

func (s *S3BlobStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return nil
}

func (s *S3BlobStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (blobstore.BlobStore, error) {
	cfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion(s.Region.Value()),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.AccessKeyId.Value(), s.SecretAccessKey.Value(), "")))
	if err != nil {
		return nil, err
	}
	s3Client := awsS3.NewFromConfig(cfg, func(o *awsS3.Options) {
		o.UsePathStyle = s.UsePathStyle.Value()
		if endpoint := s.Endpoint.Value(); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return s3.New(s3Client, s.Bucket.Value(), s.KeyPrefix.Value())
}

type SftpBlobStoreConfiguration struct {
	Addr                        internalConfig.StringProvider          `json:"addr"`
	SshClientConfigInstantiator sftpConfig.SshClientConfigInstantiator `json:"-"`
	RawSshClientConfig          json.RawMessage                        `json:"sshClientConfig"`
	Root                        internalConfig.StringProvider          `json:"root"`
	internalConfig.DynamicJsonType
}

func (s *SftpBlobStoreConfiguration) UnmarshalJSON(b []byte) error {
	type sftpBlobStoreConfiguration SftpBlobStoreConfiguration
	err := json.Unmarshal(b, (*sftpBlobStoreConfiguration)(s))
	if err != nil {
		return err
	}
	s.SshClientConfigInstantiator, err = sftpConfig.CreateSshClientConfigInstantiatorFromJson(s.RawSshClientConfig)
	if err != nil {
		return err
	}
	return nil
}

func (s *SftpBlobStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return s.SshClientConfigInstantiator.RegisterReferences(diCollection)
}

func (s *SftpBlobStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (blobstore.BlobStore, error) {
	sshClientConfig, err := s.SshClientConfigInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return sftp.New(s.Addr.Value(), sshClientConfig, s.Root.Value())
}

type TinkEncryptionBlobStoreMiddlewareConfiguration struct {
	Password                   internalConfig.StringProvider `json:"password"`
	InnerBlobStoreInstantiator BlobStoreInstantiator         `json:"-"`
	RawInnerBlobStore          json.RawMessage               `json:"innerBlobStore"`
	internalConfig.DynamicJsonType
}

func (t *TinkEncryptionBlobStoreMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tinkEncryptionBlobStoreMiddlewareConfiguration TinkEncryptionBlobStoreMiddlewareConfiguration
	err := json.Unmarshal(b, (*tinkEncryptionBlobStoreMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerBlobStoreInstantiator, err = CreateBlobStoreInstantiatorFromJson(t.RawInnerBlobStore)
	if err != nil {
		return err
	}
	return nil
}

func (t *TinkEncryptionBlobStoreMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerBlobStoreInstantiator.RegisterReferences(diCollection)
}

func (t *TinkEncryptionBlobStoreMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (blobstore.BlobStore, error) {
	innerBlobStore, err := t.InnerBlobStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	password := t.Password.Value()
	if password == "" {
		return nil, errors.New("password is required for TinkEncryptionBlobStoreMiddleware")
	}
	return tink.New(password, innerBlobStore)
}

type TracingBlobStoreMiddlewareConfiguration struct {
	RegionName                 internalConfig.StringProvider `json:"regionName"`
	InnerBlobStoreInstantiator BlobStoreInstantiator         `json:"-"`
	RawInnerBlobStore          json.RawMessage               `json:"innerBlobStore"`
	internalConfig.DynamicJsonType
}

func (t *TracingBlobStoreMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tracingBlobStoreMiddlewareConfiguration TracingBlobStoreMiddlewareConfiguration
	err := json.Unmarshal(b, (*tracingBlobStoreMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerBlobStoreInstantiator, err = CreateBlobStoreInstantiatorFromJson(t.RawInnerBlobStore)
	if err != nil {
		return err
	}
	return nil
}

func (t *TracingBlobStoreMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerBlobStoreInstantiator.RegisterReferences(diCollection)
}

func (t *TracingBlobStoreMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (blobstore.BlobStore, error) {
	innerBlobStore, err := t.InnerBlobStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return tracing.New(t.RegionName.Value(), innerBlobStore)
}

func CreateBlobStoreInstantiatorFromJson(b []byte) (BlobStoreInstantiator, error) {
	var bc internalConfig.DynamicJsonType
	err := json.Unmarshal(b, &bc)
	if err != nil {
		return nil, err
	}

	var bi BlobStoreInstantiator
	switch bc.Type {
	case filesystemBlobStoreType:
		bi = &FilesystemBlobStoreConfiguration{}
	case sqlBlobStoreType:
		bi = &SqlBlobStoreConfiguration{}
	case s3BlobStoreType:
		bi = &S3BlobStoreConfiguration{}
	case sftpBlobStoreType:
		bi = &SftpBlobStoreConfiguration{}
	case tinkEncryptionBlobStoreMiddlewareType:
		bi = &TinkEncryptionBlobStoreMiddlewareConfiguration{}
	case tracingBlobStoreMiddlewareType:
		bi = &TracingBlobStoreMiddlewareConfiguration{}
	default:
		return nil, errors.New("unknown blobStore type")
	}
	err = json.Unmarshal(b, &bi)
	if err != nil {
		return nil, err
	}
	return bi, nil
}
