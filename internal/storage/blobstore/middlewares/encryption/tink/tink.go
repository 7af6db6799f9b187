package tink

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore"
	"golang.org/x/crypto/scrypt"

	aeadsubtle "github.com/google/tink/go/aead/subtle"
	streamingaeadsubtle "github.com/google/tink/go/streamingaead/subtle"
	"github.com/google/tink/go/tink"
)

// BlobHeaderVersion is the current version of the blob header format
const BlobHeaderVersion = 1

// BlobHeader carries the per-blob encrypted DEK in front of the ciphertext.
type BlobHeader struct {
	Version      int    `json:"version"`
	EncryptedDEK []byte `json:"encryptedDEK"`
}

// EncryptionBlobStoreMiddleware wraps an inner BlobStore with envelope
// encryption: every blob gets its own DEK, the DEK is encrypted with a
// KEK derived from a password via scrypt. The blob digest stays the
// address of the plaintext, the inner store only ever sees ciphertext.
type EncryptionBlobStoreMiddleware struct {
	kekAEAD        tink.AEAD
	innerBlobStore blobstore.BlobStore
}

var _ blobstore.BlobStore = (*EncryptionBlobStoreMiddleware)(nil)

func New(password string, innerBlobStore blobstore.BlobStore) (blobstore.BlobStore, error) {
	kekBytes, err := scrypt.Key([]byte(password), []byte("content-archiver"), 1<<16, 8, 1, 32)
	if err != nil {
		return nil, err
	}

	kekAEAD, err := aeadsubtle.NewAESGCM(kekBytes)
	if err != nil {
		return nil, err
	}

	return &EncryptionBlobStoreMiddleware{
		kekAEAD:        kekAEAD,
		innerBlobStore: innerBlobStore,
	}, nil
}

func (mw *EncryptionBlobStoreMiddleware) Start(ctx context.Context) error {
	return mw.innerBlobStore.Start(ctx)
}

func (mw *EncryptionBlobStoreMiddleware) Stop(ctx context.Context) error {
	return mw.innerBlobStore.Stop(ctx)
}

func (mw *EncryptionBlobStoreMiddleware) PutBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest, reader io.Reader) error {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return err
	}

	dekStreamingAEAD, err := streamingaeadsubtle.NewAESGCMHKDF(dek, "SHA256", 32, 4096, 0)
	if err != nil {
		return err
	}

	// The digest is bound as associated data, so ciphertext moved to a
	// different key fails to decrypt.
	encryptedDEK, err := mw.kekAEAD.Encrypt(dek, digest[:])
	if err != nil {
		return err
	}

	header := BlobHeader{
		Version:      BlobHeaderVersion,
		EncryptedDEK: encryptedDEK,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	encryptReader, encryptWriter := io.Pipe()
	go func() {
		defer encryptWriter.Close()

		headerLen := uint32(len(headerBytes))
		lengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthBytes, headerLen)
		if _, err := encryptWriter.Write(lengthBytes); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		if _, err := encryptWriter.Write(headerBytes); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		streamWriter, err := dekStreamingAEAD.NewEncryptingWriter(encryptWriter, digest[:])
		if err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		if _, err := io.Copy(streamWriter, reader); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		if err := streamWriter.Close(); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}
	}()

	return mw.innerBlobStore.PutBlob(ctx, tx, digest, encryptReader)
}

func (mw *EncryptionBlobStoreMiddleware) GetBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (io.ReadCloser, error) {
	rc, err := mw.innerBlobStore.GetBlob(ctx, tx, digest)
	if err != nil {
		return nil, err
	}

	lengthBytes := make([]byte, 4)
	if _, err := io.ReadFull(rc, lengthBytes); err != nil {
		rc.Close()
		return nil, err
	}
	headerLen := binary.BigEndian.Uint32(lengthBytes)

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(rc, headerBytes); err != nil {
		rc.Close()
		return nil, err
	}

	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		rc.Close()
		return nil, err
	}
	if header.Version != BlobHeaderVersion {
		rc.Close()
		return nil, io.ErrUnexpectedEOF
	}

	dek, err := mw.kekAEAD.Decrypt(header.EncryptedDEK, digest[:])
	if err != nil {
		rc.Close()
		return nil, err
	}

	dekStreamingAEAD, err := streamingaeadsubtle.NewAESGCMHKDF(dek, "SHA256", 32, 4096, 0)
	if err != nil {
		rc.Close()
		return nil, err
	}

	decryptingReader, err := dekStreamingAEAD.NewDecryptingReader(rc, digest[:])
	if err != nil {
		rc.Close()
		return nil, err
	}

	return &compositeReadCloser{decryptingReader, rc}, nil
}

// compositeReadCloser combines a Reader with a Closer
type compositeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (c *compositeReadCloser) Close() error {
	return c.closer.Close()
}

func (mw *EncryptionBlobStoreMiddleware) HasBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) (bool, error) {
	return mw.innerBlobStore.HasBlob(ctx, tx, digest)
}

func (mw *EncryptionBlobStoreMiddleware) GetDigests(ctx context.Context, tx *sql.Tx) ([]blobstore.Digest, error) {
	return mw.innerBlobStore.GetDigests(ctx, tx)
}

func (mw *EncryptionBlobStoreMiddleware) DeleteBlob(ctx context.Context, tx *sql.Tx, digest blobstore.Digest) error {
	return mw.innerBlobStore.DeleteBlob(ctx, tx, digest)
}
