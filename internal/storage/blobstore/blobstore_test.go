package blobstore

import (
	"io"
	"testing"

	"github.com/jdillenkofer/content-archiver/internal/ioutils"
	testutils "github.com/jdillenkofer/content-archiver/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestDigestRoundTripsThroughString(t *testing.T) {
	testutils.SkipIfIntegration(t)
	digest := DigestFromBytes([]byte("hello"))
	parsed, err := ParseDigest(digest.String())
	assert.Nil(t, err)
	assert.Equal(t, digest, *parsed)
}

func TestParseDigestRejectsInvalidInput(t *testing.T) {
	testutils.SkipIfIntegration(t)
	_, err := ParseDigest("not a digest")
	assert.Equal(t, ErrInvalidDigest, err)

	_, err = ParseDigest("zz69b5939b290205b4a82a5a22e232383dcdffbbcc6e1a159a264ee19b7b0a32")
	assert.Equal(t, ErrInvalidDigest, err)
}

func TestEqualBytesProduceEqualDigests(t *testing.T) {
	testutils.SkipIfIntegration(t)
	d1 := DigestFromBytes([]byte("same content"))
	d2 := DigestFromBytes([]byte("same content"))
	d3 := DigestFromBytes([]byte("other content"))
	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
}

func TestComputeDigestMatchesDigestFromBytes(t *testing.T) {
	testutils.SkipIfIntegration(t)
	content := []byte("streamed content")
	digest, size, err := ComputeDigest(ioutils.NewByteReadSeekCloser(content))
	assert.Nil(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, DigestFromBytes(content), *digest)
}

func TestVerifyingReadCloserPassesIntactContent(t *testing.T) {
	testutils.SkipIfIntegration(t)
	content := []byte("intact")
	reader := NewVerifyingReadCloser(ioutils.NewByteReadSeekCloser(content), DigestFromBytes(content))
	readContent, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, content, readContent)
}

func TestVerifyingReadCloserDetectsCorruption(t *testing.T) {
	testutils.SkipIfIntegration(t)
	content := []byte("stored bytes")
	tampered := []byte("stored byteZ")
	reader := NewVerifyingReadCloser(ioutils.NewByteReadSeekCloser(tampered), DigestFromBytes(content))
	_, err := io.ReadAll(reader)
	assert.Equal(t, ErrCorruptionDetected, err)
}
