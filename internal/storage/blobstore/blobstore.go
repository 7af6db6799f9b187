package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"

	"github.com/jdillenkofer/content-archiver/internal/ioutils"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
)

// Digest is the content address of a blob: the SHA-256 over its bytes.
// Two blobs with equal bytes always carry the same digest and are stored once.
type Digest [sha256.Size]byte

const encodedDigestLength = sha256.Size * 2

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

var ErrInvalidDigest = errors.New("invalid digest")

func ParseDigest(s string) (*Digest, error) {
	if len(s) != encodedDigestLength {
		return nil, ErrInvalidDigest
	}
	digestBytes, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidDigest
	}
	var digest Digest
	copy(digest[:], digestBytes)
	return &digest, nil
}

func DigestFromBytes(content []byte) Digest {
	return sha256.Sum256(content)
}

// ComputeDigest consumes the reader and returns the digest and size of its content.
func ComputeDigest(reader io.Reader) (*Digest, int64, error) {
	h := sha256.New()
	size, err := io.Copy(h, reader)
	if err != nil {
		return nil, 0, err
	}
	var digest Digest
	copy(digest[:], h.Sum(nil))
	return &digest, size, nil
}

var ErrBlobNotFound error = errors.New("blob not found")
var ErrCorruptionDetected error = errors.New("corruption detected")

type BlobStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// PutBlob stores the content of reader under digest. Callers are
	// responsible for digest/content agreement; concurrent writers of the
	// same digest are serialized one layer up, but a redundant overwrite
	// of identical bytes must be harmless.
	PutBlob(ctx context.Context, tx *sql.Tx, digest Digest, reader io.Reader) error
	// GetBlob returns a ReadCloser for the blob with the given digest.
	// If the blob does not exist, ErrBlobNotFound is returned
	// or if we return a lazy reader, ErrBlobNotFound is returned upon the first read call.
	// The caller is responsible for closing the ReadCloser.
	GetBlob(ctx context.Context, tx *sql.Tx, digest Digest) (io.ReadCloser, error)
	HasBlob(ctx context.Context, tx *sql.Tx, digest Digest) (bool, error)
	GetDigests(ctx context.Context, tx *sql.Tx) ([]Digest, error)
	DeleteBlob(ctx context.Context, tx *sql.Tx, digest Digest) error
}

type verifyingReadCloser struct {
	innerReadCloser io.ReadCloser
	expectedDigest  Digest
	hasher          io.Writer
	sum             func() []byte
	verified        bool
}

// NewVerifyingReadCloser recomputes the digest of everything read through it
// and fails the final read with ErrCorruptionDetected when the stored bytes
// no longer match their key. Corrupted content is never silently served in
// full: the mismatch replaces the EOF.
func NewVerifyingReadCloser(innerReadCloser io.ReadCloser, expectedDigest Digest) io.ReadCloser {
	h := sha256.New()
	return &verifyingReadCloser{
		innerReadCloser: innerReadCloser,
		expectedDigest:  expectedDigest,
		hasher:          h,
		sum:             func() []byte { return h.Sum(nil) },
	}
}

func (vrc *verifyingReadCloser) Read(p []byte) (int, error) {
	n, err := vrc.innerReadCloser.Read(p)
	if n > 0 {
		vrc.hasher.Write(p[:n])
	}
	if err == io.EOF && !vrc.verified {
		vrc.verified = true
		if subtle.ConstantTimeCompare(vrc.sum(), vrc.expectedDigest[:]) != 1 {
			return n, ErrCorruptionDetected
		}
	}
	return n, err
}

func (vrc *verifyingReadCloser) Close() error {
	return vrc.innerReadCloser.Close()
}

// Tester validates the BlobStore contract and is shared by all backend tests.
func Tester(blobStore BlobStore, db database.Database, content []byte) error {
	ctx := context.Background()
	err := blobStore.Start(ctx)
	if err != nil {
		return err
	}
	defer blobStore.Stop(ctx)

	digest := DigestFromBytes(content)
	blob := ioutils.NewByteReadSeekCloser(content)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	exists, err := blobStore.HasBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return err
	}
	if exists {
		tx.Rollback()
		return errors.New("expected blob to be absent before first put")
	}
	err = blobStore.PutBlob(ctx, tx, digest, blob)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	_, err = blob.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	// A second put of the same content must be harmless.
	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = blobStore.PutBlob(ctx, tx, digest, blob)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	exists, err = blobStore.HasBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !exists {
		tx.Rollback()
		return errors.New("expected blob to exist after put")
	}
	blobReader, err := blobStore.GetBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	getBlobResult, err := io.ReadAll(blobReader)
	blobReader.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(content, getBlobResult) {
		return errors.New("read result returned invalid content")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	digests, err := blobStore.GetDigests(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	found := false
	for _, d := range digests {
		if d == digest {
			found = true
		}
	}
	if !found {
		return errors.New("expected digest in GetDigests result")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = blobStore.DeleteBlob(ctx, tx, digest)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	blobReader, err = blobStore.GetBlob(ctx, tx, digest)
	if err != ErrBlobNotFound {
		// Maybe we are dealing with a blob store that returns a non-nil reader even if the blob is not found.
		_, err = io.ReadAll(blobReader)
		blobReader.Close()
		if err != ErrBlobNotFound {
			tx.Rollback()
			return errors.New("expected ErrBlobNotFound")
		}
	}
	tx.Commit()

	return nil
}
