package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// MaxEntrySize caps the body size of a stored entry.
const MaxEntrySize = 10 << 20

// ErrEntryTooLarge is returned by ResponseToEntry for bodies over MaxEntrySize.
var ErrEntryTooLarge = errors.New("response body exceeds cache entry limit")

// IsCacheable reports whether a response may be stored: only complete
// successful (2xx, not 206) answers to GET requests with a body that fits
// MaxEntrySize are.
func IsCacheable(req *http.Request, resp *http.Response) bool {
	if req == nil || resp == nil {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode == http.StatusPartialContent || resp.ContentLength > MaxEntrySize {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ResponseToEntry converts an HTTP response to an Entry keyed by the
// response's request. The response body is fully read and restored, so the
// same response can still be returned to the caller. A body longer than
// MaxEntrySize yields ErrEntryTooLarge; the caller still gets the whole body.
func ResponseToEntry(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if resp.Request == nil {
		return nil, fmt.Errorf("response has no request")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(resp.Body, MaxEntrySize+1))
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if len(body) > MaxEntrySize {
			resp.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
			return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, resp.Request.URL)
		}
		resp.Body.Close()
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	key := NewKey(resp.Request)
	return &Entry{
		Method:     key.Method,
		URL:        key.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// EntryToResponse rebuilds an HTTP response from a snapshot. Each call
// returns an independent body reader over the same bytes.
func EntryToResponse(entry *Entry, req *http.Request) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
