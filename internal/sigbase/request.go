package sigbase

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is the subset of an HTTP request the base-string builder needs.
// It is deliberately decoupled from *http.Request so that the Verifier can
// build one from a JSON {method, url, headers} POST body just
// as easily as from a live *http.Request on the wire.
type Request struct {
	Method  string
	URL     *url.URL // must be absolute (scheme + host set) for @authority/@scheme/@target-uri
	Headers http.Header
}

// NewRequestFromHTTP adapts a live *http.Request, filling in scheme/host from
// TLS state and the Host header when the request URL itself is relative (the
// normal case for a server-side http.Request).
func NewRequestFromHTTP(r *http.Request) *Request {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		if r.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return &Request{Method: r.Method, URL: &u, Headers: r.Header}
}

// derivedValue computes the value for one derived component.
func (r *Request) derivedValue(c Component) (string, error) {
	switch c {
	case CompMethod:
		return strings.ToUpper(r.Method), nil
	case CompAuthority:
		return normalizeAuthority(r.URL), nil
	case CompPath:
		if r.URL.EscapedPath() == "" {
			return "/", nil
		}
		return r.URL.EscapedPath(), nil
	case CompQuery:
		if r.URL.RawQuery == "" {
			return "", nil
		}
		return "?" + r.URL.RawQuery, nil
	case CompScheme:
		return strings.ToLower(r.URL.Scheme), nil
	case CompTargetURI:
		return r.URL.String(), nil
	case CompRequestTgt:
		path := r.URL.EscapedPath()
		if path == "" {
			path = "/"
		}
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}
		return strings.ToLower(r.Method) + " " + path, nil
	default:
		return "", ErrUnknownDerivedComponent
	}
}

// headerValue computes the value for a literal (non-derived) covered
// component: all occurrences of the header joined by ", ", each OWS-trimmed.
func (r *Request) headerValue(name string) (string, bool) {
	values, ok := r.Headers[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.Trim(v, " \t")
	}
	return strings.Join(trimmed, ", "), true
}

// normalizeAuthority lowercases the host and strips default ports.
func normalizeAuthority(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}
