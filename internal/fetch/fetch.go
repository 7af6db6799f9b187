package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrContentFetchFailed = errors.New("content fetch failed")
var ErrContentTooLarge = errors.New("content too large")

// Result holds the streamed response of a fetch. Content must be
// closed by the caller. ContentLength is -1 when the server did not
// declare one.
type Result struct {
	Content       io.ReadCloser
	ContentType   *string
	ContentLength int64
}

type Fetcher struct {
	httpClient     *http.Client
	maxContentSize int64
}

func NewFetcher(timeout time.Duration, maxContentSize int64) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxContentSize: maxContentSize,
	}
}

// Fetch retrieves source with a single GET request. Anything but a 200
// response fails with ErrContentFetchFailed. No retries, the caller
// decides whether to try again.
func (f *Fetcher) Fetch(ctx context.Context, source string) (*Result, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errors.Join(ErrContentFetchFailed, err)
	}
	response, err := f.httpClient.Do(request)
	if err != nil {
		return nil, errors.Join(ErrContentFetchFailed, err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d", ErrContentFetchFailed, response.StatusCode)
	}

	var contentType *string
	if headerValue := response.Header.Get("Content-Type"); headerValue != "" {
		contentType = &headerValue
	}
	if response.ContentLength > f.maxContentSize {
		response.Body.Close()
		return nil, fmt.Errorf("%w: declared length %d exceeds limit %d", ErrContentTooLarge, response.ContentLength, f.maxContentSize)
	}

	return &Result{
		Content: &boundedReadCloser{
			innerReadCloser: response.Body,
			remaining:       f.maxContentSize,
		},
		ContentType:   contentType,
		ContentLength: response.ContentLength,
	}, nil
}

// boundedReadCloser fails the stream once more than the allowed number
// of bytes arrive, instead of silently truncating it.
type boundedReadCloser struct {
	innerReadCloser io.ReadCloser
	remaining       int64
}

func (brc *boundedReadCloser) Read(p []byte) (int, error) {
	n, err := brc.innerReadCloser.Read(p)
	brc.remaining -= int64(n)
	if brc.remaining < 0 {
		return n, ErrContentTooLarge
	}
	return n, err
}

func (brc *boundedReadCloser) Close() error {
	return brc.innerReadCloser.Close()
}
