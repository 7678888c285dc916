package agent

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/offline-agent/pkg/cache"
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardRequest rewrites an inbound proxy request into an outbound client
// request for the origin: absolute URL, no RequestURI, no hop-by-hop headers.
func forwardRequest(r *http.Request, origin *url.URL) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Host = ""

	out.URL = cache.OriginURL(origin, r.URL.Path, r.URL.RawQuery)

	for _, h := range out.Header.Values("Connection") {
		for _, name := range strings.Split(h, ",") {
			out.Header.Del(strings.TrimSpace(name))
		}
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}

// send writes resp to w and closes its body.
func send(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	_, err := io.Copy(w, resp.Body)
	return err
}
