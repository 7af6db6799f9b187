package s3

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
)

type s3BlobStore struct {
	*lifecycle.ValidatedLifecycle
	s3Client  *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

var _ blobstore.BlobStore = (*s3BlobStore)(nil)

func New(s3Client *s3.Client, bucket string, keyPrefix string) (blobstore.BlobStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("s3BlobStore")
	if err != nil {
		return nil, err
	}
	return &s3BlobStore{
		ValidatedLifecycle: validatedLifecycle,
		s3Client:           s3Client,
		uploader:           manager.NewUploader(s3Client),
		bucket:             bucket,
		keyPrefix:          keyPrefix,
	}, nil
}

func (bs *s3BlobStore) getKey(digest blobstore.Digest) string {
	return path.Join(bs.keyPrefix, digest.String())
}

func isNoSuchKeyError(err error) bool {
	var noSuchKeyError *types.NoSuchKey
	if errors.As(err, &noSuchKeyError) {
		return true
	}
	var notFoundError *types.NotFound
	if errors.As(err, &notFoundError) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "NoSuchKey"
}

func (bs *s3BlobStore) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	_, err := bs.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.getKey(digest)),
		Body:   reader,
	})
	return err
}

func (bs *s3BlobStore) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	getObjectResult, err := bs.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.getKey(digest)),
	})
	if err != nil {
		if isNoSuchKeyError(err) {
			return nil, blobstore.ErrBlobNotFound
		}
		return nil, err
	}
	return getObjectResult.Body, nil
}

func (bs *s3BlobStore) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	_, err := bs.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.getKey(digest)),
	})
	if err != nil {
		if isNoSuchKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (bs *s3BlobStore) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	digests := []blobstore.Digest{}
	paginator := s3.NewListObjectsV2Paginator(bs.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bs.bucket),
		Prefix: aws.String(bs.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			digest, err := blobstore.ParseDigest(path.Base(*object.Key))
			if err != nil {
				continue
			}
			digests = append(digests, *digest)
		}
	}
	return digests, nil
}

func (bs *s3BlobStore) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	_, err := bs.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(bs.getKey(digest)),
	})
	if err != nil && isNoSuchKeyError(err) {
		return nil
	}
	return err
}
