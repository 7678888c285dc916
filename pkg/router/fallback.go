package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response headers set by the engine.
const (
	HeaderSource  = "X-Cache-Source"
	HeaderOffline = "X-Offline"
)

// Values of HeaderSource.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceOffline     = "offline"
	SourcePlaceholder = "placeholder"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="150" viewBox="0 0 200 150">` +
	`<rect width="200" height="150" fill="#f3f4f6"/>` +
	`<text x="100" y="80" text-anchor="middle" font-family="sans-serif" font-size="14" fill="#9ca3af">Offline</text>` +
	`</svg>`

const offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available without a network connection. Please try again later.</p></body>
</html>
`

// OfflinePayload is the JSON body returned when a network-first request
// fails with nothing cached.
type OfflinePayload struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp string `json:"timestamp"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`
}

func newResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func markOffline(resp *http.Response, source string) *http.Response {
	resp.Header.Set(HeaderSource, source)
	resp.Header.Set(HeaderOffline, "true")
	return resp
}

// imagePlaceholder is the inline vector image served for offline images.
func imagePlaceholder(req *http.Request) *http.Response {
	resp := newResponse(req, http.StatusOK, "image/svg+xml", []byte(placeholderSVG))
	resp.Header.Set("Cache-Control", "no-store")
	return markOffline(resp, SourcePlaceholder)
}

// assetNotFound is the empty response served for uncached static assets.
func assetNotFound(req *http.Request) *http.Response {
	return markOffline(newResponse(req, http.StatusNotFound, "", nil), SourcePlaceholder)
}

// inlineOfflineDocument is the last resort for failed navigations.
func inlineOfflineDocument(req *http.Request) *http.Response {
	return markOffline(newResponse(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlineHTML)), SourcePlaceholder)
}

// offlineJSON builds the 503 payload. API requests also carry the original
// method and URL for client-side diagnostics.
func offlineJSON(req *http.Request, now time.Time, includeRequest bool) *http.Response {
	payload := OfflinePayload{
		Error:     "Service unavailable: offline",
		Offline:   true,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if includeRequest {
		payload.Method = req.Method
		payload.URL = req.URL.String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":"Service unavailable: offline","offline":true}`)
	}
	return markOffline(newResponse(req, http.StatusServiceUnavailable, "application/json", body), SourceOffline)
}
