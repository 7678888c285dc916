package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Entry is a captured response snapshot.
type Entry struct {
	// Method and URL form the entry key
	Method string `json:"method"`
	URL    string `json:"url"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Body is the full response body
	Body []byte `json:"body"`

	// StoredAt is when we cached this response
	StoredAt time.Time `json:"stored_at"`

	// Seq is the insertion sequence assigned by the store on Put
	Seq uint64 `json:"seq"`
}

// Key returns the entry's cache key.
func (e *Entry) Key() Key {
	return Key{Method: e.Method, URL: e.URL}
}

// Size returns the stored body size in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Timestamp parses the named response header as an HTTP date.
// It returns false if the header is absent or unparsable.
func (e *Entry) Timestamp(header string) (time.Time, bool) {
	raw := e.Headers.Get(header)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
