package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrInvalidManifest is returned when a release manifest cannot be used.
var ErrInvalidManifest = errors.New("invalid release manifest")

// Release is one deployable agent version and its static asset list.
type Release struct {
	Version string   `json:"version"`
	Assets  []string `json:"assets"`
}

// ReleaseSource reports the latest published release.
type ReleaseSource interface {
	Latest(ctx context.Context) (Release, error)
}

// StaticSource always reports the same release.
type StaticSource Release

// Latest implements ReleaseSource.
func (s StaticSource) Latest(ctx context.Context) (Release, error) {
	return Release(s), nil
}

// ManifestSource reads the latest release from a JSON manifest of the form
// {"version": "...", "assets": ["/", "/app.css"]}.
type ManifestSource struct {
	url     string
	fetcher Fetcher
}

// NewManifestSource creates a source polling url through fetcher.
func NewManifestSource(url string, fetcher Fetcher) *ManifestSource {
	return &ManifestSource{url: url, fetcher: fetcher}
}

// Latest fetches and decodes the manifest.
func (s *ManifestSource) Latest(ctx context.Context) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Release{}, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.fetcher.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return Release{}, fmt.Errorf("%w: %s returned status %d", ErrInvalidManifest, s.url, resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if rel.Version == "" {
		return Release{}, fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	return rel, nil
}
