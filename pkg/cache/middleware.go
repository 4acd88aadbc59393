package cache

import (
	"bytes"
	"net/http"
)

// Header reports HIT or MISS on cacheable requests.
const Header = "X-Cache"

// Response is a stored 200 response.
type Response struct {
	ContentType string
	Body        []byte
}

func (c Response) replay(w http.ResponseWriter) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Body)
}

// recorder tees the body into a buffer on its way to the client.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// KeyFunc derives the cache key for a request. An empty key bypasses the
// cache.
type KeyFunc func(r *http.Request) string

// URIKey keys on path plus query. When state is set its value prefixes the
// key, so entries stored under an older state are never served.
func URIKey(state func() string) KeyFunc {
	return func(r *http.Request) string {
		if state == nil {
			return r.URL.RequestURI()
		}
		return state() + " " + r.URL.RequestURI()
	}
}

// Middleware serves repeated GET requests from c. Only 200 responses are
// stored.
func Middleware(c *LRU[Response], key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = URIKey(nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var k string
			if r.Method == http.MethodGet {
				k = key(r)
			}
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			if hit, ok := c.Get(k); ok {
				w.Header().Set(Header, "HIT")
				hit.replay(w)
				return
			}

			w.Header().Set(Header, "MISS")
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == http.StatusOK {
				c.Set(k, Response{
					ContentType: w.Header().Get("Content-Type"),
					Body:        bytes.Clone(rec.buf.Bytes()),
				})
			}
		})
	}
}
