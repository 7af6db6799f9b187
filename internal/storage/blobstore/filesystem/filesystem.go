package filesystem

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jdillenkofer/content-archiver/internal/lifecycle"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
)

type filesystemBlobStore struct {
	*lifecycle.ValidatedLifecycle
	root string
}

var _ blobstore.BlobStore = (*filesystemBlobStore)(nil)

func (bs *filesystemBlobStore) ensureRootDir() error {
	err := os.MkdirAll(filepath.Join(bs.root, "tmp"), os.ModePerm)
	return err
}

// Blobs fan out into two-level directories keyed by the digest prefix,
// so no single directory grows unbounded.
func (bs *filesystemBlobStore) getFilename(digest blobstore.Digest) string {
	encodedDigest := digest.String()
	return filepath.Join(bs.root, encodedDigest[0:2], encodedDigest[2:4], encodedDigest)
}

func New(root string) (blobstore.BlobStore, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("filesystemBlobStore")
	if err != nil {
		return nil, err
	}
	bs := &filesystemBlobStore{
		ValidatedLifecycle: validatedLifecycle,
		root:               root,
	}
	return bs, nil
}

func (bs *filesystemBlobStore) Start(ctx context.Context) error {
	return bs.ensureRootDir()
}

func (bs *filesystemBlobStore) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	filename := bs.getFilename(digest)

	if _, err := os.Stat(filename); err == nil {
		// Equal bytes under the same digest, the existing blob stays.
		return nil
	}

	err := os.MkdirAll(filepath.Dir(filename), os.ModePerm)
	if err != nil {
		return err
	}

	// Write to a temp file first and move it into place, so a crash
	// mid-write never leaves a readable partial blob under its digest.
	tempFile, err := os.CreateTemp(filepath.Join(bs.root, "tmp"), "blob-*")
	if err != nil {
		return err
	}
	tempFilename := tempFile.Name()
	_, err = io.Copy(tempFile, reader)
	if err != nil {
		tempFile.Close()
		os.Remove(tempFilename)
		return err
	}
	err = tempFile.Sync()
	if err != nil {
		tempFile.Close()
		os.Remove(tempFilename)
		return err
	}
	err = tempFile.Close()
	if err != nil {
		os.Remove(tempFilename)
		return err
	}
	err = os.Rename(tempFilename, filename)
	if err != nil {
		os.Remove(tempFilename)
		return err
	}

	return nil
}

func (bs *filesystemBlobStore) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	filename := bs.getFilename(digest)
	f, err := os.OpenFile(filename, os.O_RDONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blobstore.ErrBlobNotFound
		}
		return nil, err
	}
	return f, err
}

func (bs *filesystemBlobStore) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	filename := bs.getFilename(digest)
	_, err := os.Stat(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (bs *filesystemBlobStore) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	digests := []blobstore.Digest{}
	err := filepath.WalkDir(bs.root, func(path string, dirEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dirEntry.IsDir() {
			return nil
		}
		digest, err := blobstore.ParseDigest(dirEntry.Name())
		if err != nil {
			// Temp files and strays are not blobs.
			return nil
		}
		digests = append(digests, *digest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digests, nil
}

func (bs *filesystemBlobStore) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	filename := bs.getFilename(digest)
	err := os.Remove(filename)
	if err != nil {
		e, ok := err.(*os.PathError)
		if ok && e.Err == syscall.ENOENT {
			// The file didn't exist
		} else {
			return err
		}
	}
	return nil
}
