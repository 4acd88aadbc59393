// Package web holds the request and response values shared by route
// handlers and hook implementations.
package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
)

// MaxBodySize caps how much of a request body is buffered.
const MaxBodySize = 10 << 20

// ErrBodyTooLarge is returned by Body when the body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("request body too large")

// failedBody replays a body read error to later readers of the request.
type failedBody struct{ err error }

func (f failedBody) Read([]byte) (int, error) { return 0, f.err }

// Request wraps an inbound *http.Request. The body can be read more than
// once: the first read buffers it.
type Request struct {
	raw *http.Request

	bodyOnce sync.Once
	body     []byte
	bodyErr  error
}

// NewRequest wraps r.
func NewRequest(r *http.Request) *Request {
	return &Request{raw: r}
}

// HTTP returns the underlying request.
func (r *Request) HTTP() *http.Request { return r.raw }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.raw.Method }

// Path returns the URL path without the query string.
func (r *Request) Path() string { return r.raw.URL.Path }

// FullPath returns the path plus the query string, if any.
func (r *Request) FullPath() string {
	if r.raw.URL.RawQuery == "" {
		return r.raw.URL.Path
	}
	return r.raw.URL.Path + "?" + r.raw.URL.RawQuery
}

// QueryString returns the raw query string.
func (r *Request) QueryString() string { return r.raw.URL.RawQuery }

// Scheme returns "https" when the request arrived over TLS or a proxy said
// so, otherwise "http".
func (r *Request) Scheme() string {
	if r.raw.TLS != nil {
		return "https"
	}
	if p := r.raw.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	return "http"
}

// Host returns the Host header.
func (r *Request) Host() string { return r.raw.Host }

// URL returns the absolute request URL.
func (r *Request) URL() string {
	return fmt.Sprintf("%s://%s%s", r.Scheme(), r.Host(), r.FullPath())
}

// Args returns the parsed query string.
func (r *Request) Args() url.Values { return r.raw.URL.Query() }

// Get returns the first value of a query parameter, or def.
func (r *Request) Get(key, def string) string {
	vals, ok := r.raw.URL.Query()[key]
	if !ok || len(vals) == 0 {
		return def
	}
	return vals[0]
}

// GetList returns every value of a query parameter in order, duplicates
// included.
func (r *Request) GetList(key string) []string {
	vals := r.raw.URL.Query()[key]
	if len(vals) == 0 {
		return []string{}
	}
	return append([]string(nil), vals...)
}

// Header returns a header value. Lookup is case-insensitive.
func (r *Request) Header(name string) string { return r.raw.Header.Get(name) }

// Headers returns a copy of the request headers.
func (r *Request) Headers() http.Header { return r.raw.Header.Clone() }

// Cookie returns the value of the named cookie, or "".
func (r *Request) Cookie(name string) string {
	c, err := r.raw.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Cookies returns every cookie as a name to value map. When a name repeats
// the first value wins.
func (r *Request) Cookies() map[string]string {
	out := map[string]string{}
	for _, c := range r.raw.Cookies() {
		if _, seen := out[c.Name]; !seen {
			out[c.Name] = c.Value
		}
	}
	return out
}

// URLVar returns a path variable captured by the route pattern.
func (r *Request) URLVar(name string) string {
	return chi.URLParam(r.raw, name)
}

// URLVars returns every captured path variable.
func (r *Request) URLVars() map[string]string {
	out := map[string]string{}
	rc := chi.RouteContext(r.raw.Context())
	if rc == nil {
		return out
	}
	for i, k := range rc.URLParams.Keys {
		if k == "*" {
			continue
		}
		out[k] = rc.URLParams.Values[i]
	}
	return out
}

// Actor returns the actor resolved for this request, or nil.
func (r *Request) Actor() Actor {
	return ActorFromContext(r.raw.Context())
}

// Body returns the request body. The first call reads and buffers it;
// later calls return the buffered bytes.
func (r *Request) Body() ([]byte, error) {
	r.bodyOnce.Do(func() {
		if r.raw.Body == nil {
			return
		}
		defer r.raw.Body.Close()
		body, err := io.ReadAll(http.MaxBytesReader(nil, r.raw.Body, MaxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, tooLarge.Limit)
			}
			r.bodyErr = err
			r.raw.Body = io.NopCloser(failedBody{err})
			return
		}
		r.body = body
		r.raw.Body = io.NopCloser(bytes.NewReader(body))
	})
	return r.body, r.bodyErr
}

// PostVars parses a form-encoded body.
func (r *Request) PostVars() (url.Values, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	return url.ParseQuery(string(body))
}

// JSON decodes the body into v.
func (r *Request) JSON(v any) error {
	body, err := r.Body()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("empty request body")
	}
	return json.Unmarshal(body, v)
}
