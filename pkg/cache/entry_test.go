package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestEntry_Timestamp(t *testing.T) {
	stamp := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		headers http.Header
		wantOK  bool
	}{
		{
			name:    "valid date header",
			headers: http.Header{"Date": []string{stamp.Format(http.TimeFormat)}},
			wantOK:  true,
		},
		{
			name:    "missing header",
			headers: http.Header{},
			wantOK:  false,
		},
		{
			name:    "unparsable header",
			headers: http.Header{"Date": []string{"yesterday-ish"}},
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{Headers: tt.headers}
			got, ok := entry.Timestamp("Date")
			if ok != tt.wantOK {
				t.Fatalf("Timestamp() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(stamp) {
				t.Errorf("Timestamp() = %v, want %v", got, stamp)
			}
		})
	}
}

func TestEntry_Size(t *testing.T) {
	entry := &Entry{Body: []byte("0123456789")}
	if got := entry.Size(); got != 10 {
		t.Errorf("Size() = %d, want 10", got)
	}
}

func TestEncodeDecodeEntry(t *testing.T) {
	entry := &Entry{
		Method:     http.MethodGet,
		URL:        "https://app.example.com/icon.png",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"image/png"}},
		Body:       []byte{0x89, 'P', 'N', 'G', 0x00, 0xff},
		StoredAt:   time.Now().UTC().Truncate(time.Second),
		Seq:        7,
	}

	data, err := encodeEntry(entry)
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}
	got, err := decodeEntry(data)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}

	if string(got.Body) != string(entry.Body) {
		t.Errorf("Body mismatch: got %v, want %v", got.Body, entry.Body)
	}
	if got.Seq != 7 || got.Key() != entry.Key() {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeEntry_Invalid(t *testing.T) {
	if _, err := decodeEntry([]byte("{not json")); err == nil {
		t.Error("decodeEntry() expected error")
	}
}
