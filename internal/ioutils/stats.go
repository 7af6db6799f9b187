package ioutils

import "io"

type statsReadCloser struct {
	innerReadCloser io.ReadCloser
	onRead          func(n int)
}

// NewStatsReadCloser invokes onRead with the number of bytes of every
// successful read passing through.
func NewStatsReadCloser(innerReadCloser io.ReadCloser, onRead func(n int)) io.ReadCloser {
	return &statsReadCloser{
		innerReadCloser: innerReadCloser,
		onRead:          onRead,
	}
}

func (src *statsReadCloser) Read(p []byte) (int, error) {
	n, err := src.innerReadCloser.Read(p)
	if n > 0 {
		src.onRead(n)
	}
	return n, err
}

func (src *statsReadCloser) Close() error {
	return src.innerReadCloser.Close()
}
