package sftp

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const maxSftpRetries = 3
const waitDurationBeforeRetry = 3 * time.Second

type sftpBlobStore struct {
	addr         string
	clientConfig *ssh.ClientConfig
	root         string
	client       *sftp.Client
}

var _ blobstore.BlobStore = (*sftpBlobStore)(nil)

func (s *sftpBlobStore) ensureRootDir() error {
	_, err := doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.MkdirAll(s.root)
	}, maxSftpRetries, s.reconnectSftpClient, nil)
	return err
}

// Remote layout stays flat. Fan-out directories buy little over sftp
// and every put would pay an extra MkdirAll round-trip.
func (s *sftpBlobStore) getFilename(digest blobstore.Digest) string {
	return path.Join(s.root, digest.String())
}

func (s *sftpBlobStore) reconnectSftpClient() error {
	if s.client != nil {
		// If we have a retry wait a couple of seconds before continuing
		time.Sleep(waitDurationBeforeRetry)
		s.client.Close()
	}

	client, err := ssh.Dial("tcp", s.addr, s.clientConfig)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return err
	}
	s.client = sftpClient
	return nil
}

// isNotExistError reports errors that describe a missing remote file.
// Those are expected outcomes at lookup call sites and must not burn
// the retry budget.
func isNotExistError(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func doRetriableOperation[T any](op func() (T, error), maxRetries int, preRetry func() error, shouldIgnoreError func(err error) bool) (T, error) {
	retries := 0
	var empty T
	for {
		t, err := op()
		if err != nil {
			if shouldIgnoreError != nil && shouldIgnoreError(err) {
				return empty, err
			}
			retries += 1
			if retries < maxRetries {
				err = preRetry()
				if err != nil {
					return empty, err
				}
				continue
			}
			return empty, err
		}
		return t, nil
	}
}

func New(addr string, clientConfig *ssh.ClientConfig, root string) (blobstore.BlobStore, error) {
	bs := &sftpBlobStore{
		addr:         addr,
		clientConfig: clientConfig,
		root:         root,
		client:       nil,
	}

	err := bs.reconnectSftpClient()
	if err != nil {
		return nil, err
	}

	err = bs.ensureRootDir()
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func (s *sftpBlobStore) Start(ctx context.Context) error {
	return nil
}

func (s *sftpBlobStore) Stop(ctx context.Context) error {
	err := s.client.Close()
	if err != nil {
		return err
	}
	return nil
}

func (s *sftpBlobStore) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	filename := s.getFilename(digest)
	tempFilename := filename + ".tmp"

	f, err := doRetriableOperation(func() (*sftp.File, error) {
		return s.client.OpenFile(tempFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
	}, maxSftpRetries, s.reconnectSftpClient, nil)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, reader)
	if err != nil {
		f.Close()
		s.client.Remove(tempFilename)
		return err
	}
	err = f.Close()
	if err != nil {
		s.client.Remove(tempFilename)
		return err
	}
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.PosixRename(tempFilename, filename)
	}, maxSftpRetries, s.reconnectSftpClient, nil)
	if err != nil {
		s.client.Remove(tempFilename)
		return err
	}
	return nil
}

func (s *sftpBlobStore) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	filename := s.getFilename(digest)
	f, err := doRetriableOperation(func() (*sftp.File, error) {
		return s.client.OpenFile(filename, os.O_RDONLY)
	}, maxSftpRetries, s.reconnectSftpClient, isNotExistError)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blobstore.ErrBlobNotFound
		}
		return nil, err
	}
	return f, err
}

func (s *sftpBlobStore) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	filename := s.getFilename(digest)
	_, err := doRetriableOperation(func() (os.FileInfo, error) {
		return s.client.Stat(filename)
	}, maxSftpRetries, s.reconnectSftpClient, isNotExistError)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sftpBlobStore) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	dirEntries, err := doRetriableOperation(func() ([]os.FileInfo, error) {
		return s.client.ReadDir(s.root)
	}, maxSftpRetries, s.reconnectSftpClient, nil)
	if err != nil {
		return nil, err
	}
	digests := []blobstore.Digest{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		if digest, err := blobstore.ParseDigest(dirEntry.Name()); err == nil {
			digests = append(digests, *digest)
		}
	}
	return digests, nil
}

func (s *sftpBlobStore) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	filename := s.getFilename(digest)
	_, err := doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.Remove(filename)
	}, maxSftpRetries, s.reconnectSftpClient, isNotExistError)
	if err != nil && !isNotExistError(err) {
		return err
	}
	return nil
}
