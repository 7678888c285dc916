package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Key identifies a cache entry inside a namespace. Matching is exact: no
// prefix, query or Vary normalization is applied.
type Key struct {
	Method string
	URL    string
}

// NewKey builds the key of a request. The URL fragment is never sent to the
// network and is dropped.
func NewKey(req *http.Request) Key {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: u.String()}
}

// String generates the storage form of the key.
// Format: METHOD SP URL
//
// Example:
//
//	GET https://app.example.com/api/quote?product=auto
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey parses the storage form produced by Key.String.
func ParseKey(s string) (Key, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("%w: malformed key %q", ErrInvalidEntry, s)
	}
	return Key{Method: method, URL: rawURL}, nil
}

// StaticNamespace returns the name of the precached namespace of version.
func StaticNamespace(version string) string {
	return "static@" + version
}

// DynamicNamespace returns the name of the runtime namespace of version.
func DynamicNamespace(version string) string {
	return "dynamic@" + version
}

// OriginURL maps an application path and query onto origin, keeping the
// origin's base path: origin http://backend/app and path /x give
// http://backend/app/x. Precached assets and intercepted requests are both
// keyed through it.
func OriginURL(origin *url.URL, path, rawQuery string) *url.URL {
	u := *origin
	u.Path = joinPath(origin.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

func joinPath(a, b string) string {
	switch {
	case a == "" || a == "/":
		if b == "" {
			return "/"
		}
		if !strings.HasPrefix(b, "/") {
			return "/" + b
		}
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}
