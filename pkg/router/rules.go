package router

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

// Strategy is the cache/network policy applied to a request class.
type Strategy string

const (
	// StrategyBypass passes the request to the network without interception.
	StrategyBypass Strategy = "bypass"

	// StrategyCacheFirst serves from cache and falls back to the network.
	StrategyCacheFirst Strategy = "cache-first"

	// StrategyNetworkFirst fetches first and falls back to the cache.
	StrategyNetworkFirst Strategy = "network-first"

	// StrategyNetworkOnly always fetches fresh and never touches the cache.
	StrategyNetworkOnly Strategy = "network-only"
)

// Target selects the namespace a strategy works against.
type Target string

const (
	TargetNone    Target = ""
	TargetStatic  Target = "static"
	TargetDynamic Target = "dynamic"
)

// Destination is the kind of resource a request asks for, as reported by
// the browser's Sec-Fetch-Dest header.
type Destination string

const (
	DestinationEmpty    Destination = "empty"
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
)

// DefaultCriticalPaths are the path prefixes that are never cached.
var DefaultCriticalPaths = []string{"/dashboard/", "/payments/", "/contracts/", "/accounts/profile/"}

// Rules holds the deployment-supplied routing configuration.
type Rules struct {
	// APIPrefix marks JSON API paths.
	APIPrefix string

	// CriticalPaths are never read from or written to cache.
	CriticalPaths []string

	// OfflinePage is the path of the precached offline fallback document.
	OfflinePage string

	// BasePath is the origin's path prefix. Prefixes and the offline page
	// are matched against the request path below it.
	BasePath string
}

// DefaultRules returns the default routing configuration.
func DefaultRules() Rules {
	return Rules{
		APIPrefix:     "/api/",
		CriticalPaths: append([]string(nil), DefaultCriticalPaths...),
		OfflinePage:   "/offline.html",
	}
}

// Route is the outcome of classifying a request.
type Route struct {
	Strategy    Strategy
	Target      Target
	Destination Destination

	// API is set for requests under the API prefix.
	API bool

	// Critical is set for requests under a never-cache path.
	Critical bool
}

// IsCritical reports whether urlPath is under a never-cache prefix. A prefix
// "/dashboard/" also covers the bare "/dashboard" path.
func (r Rules) IsCritical(urlPath string) bool {
	for _, prefix := range r.CriticalPaths {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(urlPath, prefix) || urlPath == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}

// AppPath returns urlPath relative to BasePath. Paths outside BasePath are
// returned unchanged.
func (r Rules) AppPath(urlPath string) string {
	base := strings.TrimSuffix(r.BasePath, "/")
	switch {
	case base == "":
		return urlPath
	case urlPath == base:
		return "/"
	case strings.HasPrefix(urlPath, base+"/"):
		return urlPath[len(base):]
	}
	return urlPath
}

// OfflinePageURL returns the cache URL of the offline page on the origin of req.
func (r Rules) OfflinePageURL(req *http.Request) string {
	origin := &url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: r.BasePath}
	return cache.OriginURL(origin, r.OfflinePage, "").String()
}

// Classify evaluates the routing rules in priority order; the first match wins.
func (r Rules) Classify(req *http.Request) Route {
	dest := DestinationOf(req)
	appPath := r.AppPath(req.URL.Path)

	// Non-GET or non-fetchable scheme
	if req.Method != http.MethodGet || !fetchableScheme(req.URL.Scheme) {
		return Route{Strategy: StrategyBypass, Destination: dest}
	}

	if dest == DestinationImage {
		return Route{Strategy: StrategyCacheFirst, Target: TargetDynamic, Destination: dest}
	}

	if r.APIPrefix != "" && strings.HasPrefix(appPath, r.APIPrefix) {
		return Route{Strategy: StrategyNetworkFirst, Target: TargetDynamic, Destination: dest, API: true}
	}

	if dest == DestinationDocument {
		if r.IsCritical(appPath) {
			return Route{Strategy: StrategyNetworkOnly, Target: TargetNone, Destination: dest, Critical: true}
		}
		return Route{Strategy: StrategyNetworkFirst, Target: TargetDynamic, Destination: dest}
	}

	if dest == DestinationStyle || dest == DestinationScript {
		return Route{Strategy: StrategyCacheFirst, Target: TargetStatic, Destination: dest}
	}

	// Sub-resource fetches of sensitive pages are not cached either
	if r.IsCritical(appPath) {
		return Route{Strategy: StrategyNetworkOnly, Target: TargetNone, Destination: dest, Critical: true}
	}
	return Route{Strategy: StrategyNetworkFirst, Target: TargetDynamic, Destination: dest}
}

func fetchableScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

// DestinationOf reports the destination kind of req. Sec-Fetch-Dest wins;
// without it the navigation mode, path extension and Accept header are used.
func DestinationOf(req *http.Request) Destination {
	if dest := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest"))); dest != "" {
		return Destination(dest)
	}

	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return DestinationDocument
	}

	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif":
		return DestinationImage
	case ".css":
		return DestinationStyle
	case ".js", ".mjs":
		return DestinationScript
	}

	accept := req.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return DestinationDocument
	case strings.HasPrefix(accept, "image/"):
		return DestinationImage
	case strings.HasPrefix(accept, "text/css"):
		return DestinationStyle
	}
	return DestinationEmpty
}
