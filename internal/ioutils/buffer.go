package ioutils

import (
	"bytes"
	"io"
)

// NewByteReadSeekCloser wraps an in-memory buffer as a ReadSeekCloser,
// matching the reader contract of the blob store backends.
func NewByteReadSeekCloser(buffer []byte) ByteReadSeekCloser {
	return ByteReadSeekCloser{
		bytes.NewReader(buffer),
	}
}

type ByteReadSeekCloser struct {
	io.ReadSeeker
}

func (brsc ByteReadSeekCloser) Close() error {
	return nil
}
