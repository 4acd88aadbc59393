package web

import (
	"encoding/json"
	"net/http"
	"time"
)

// Content types used by the convenience constructors.
const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeText = "text/plain; charset=utf-8"
)

// Cookie is a cookie to set on a response.
type Cookie struct {
	Name     string
	Value    string
	MaxAge   int
	Expires  time.Time
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// Response is an immutable HTTP response. The With* methods return
// modified copies.
type Response struct {
	status      int
	body        []byte
	contentType string
	headers     http.Header
	cookies     []Cookie
}

// NewResponse builds a response from its parts. A zero status means 200.
func NewResponse(body []byte, status int, headers http.Header, contentType string) *Response {
	if status == 0 {
		status = http.StatusOK
	}
	h := http.Header{}
	for k, v := range headers {
		h[k] = append([]string(nil), v...)
	}
	return &Response{
		status:      status,
		body:        append([]byte(nil), body...),
		contentType: contentType,
		headers:     h,
	}
}

// HTML builds a text/html response.
func HTML(body string, status int) *Response {
	return NewResponse([]byte(body), status, nil, ContentTypeHTML)
}

// Text builds a text/plain response.
func Text(body string, status int) *Response {
	return NewResponse([]byte(body), status, nil, ContentTypeText)
}

// JSON builds an application/json response from v.
func JSON(v any, status int) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewResponse(b, status, nil, ContentTypeJSON), nil
}

// MustJSON is JSON for values known to marshal.
func MustJSON(v any, status int) *Response {
	r, err := JSON(v, status)
	if err != nil {
		panic(err)
	}
	return r
}

// Redirect builds a redirect to location. It is temporary (302) unless
// permanent is set, in which case it is 301.
func Redirect(location string, permanent bool) *Response {
	status := http.StatusFound
	if permanent {
		status = http.StatusMovedPermanently
	}
	return NewResponse(nil, status, http.Header{"Location": {location}}, "")
}

// Status returns the status code.
func (r *Response) Status() int { return r.status }

// Body returns a copy of the body.
func (r *Response) Body() []byte { return append([]byte(nil), r.body...) }

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.body) }

// ContentType returns the content type.
func (r *Response) ContentType() string { return r.contentType }

// Header returns a header value.
func (r *Response) Header(name string) string { return r.headers.Get(name) }

// Headers returns a copy of the headers.
func (r *Response) Headers() http.Header { return r.headers.Clone() }

// Cookies returns the cookies the response sets.
func (r *Response) Cookies() []Cookie { return append([]Cookie(nil), r.cookies...) }

// DecodeJSON parses the body into v.
func (r *Response) DecodeJSON(v any) error { return json.Unmarshal(r.body, v) }

func (r *Response) clone() *Response {
	c := *r
	c.headers = r.headers.Clone()
	c.cookies = append([]Cookie(nil), r.cookies...)
	return &c
}

// WithHeader returns a copy with header name set to value.
func (r *Response) WithHeader(name, value string) *Response {
	c := r.clone()
	c.headers.Set(name, value)
	return c
}

// WithStatus returns a copy with a different status code.
func (r *Response) WithStatus(status int) *Response {
	c := r.clone()
	c.status = status
	return c
}

// WithCookie returns a copy that also sets cookie. Path defaults to "/" and
// SameSite to Lax.
func (r *Response) WithCookie(cookie Cookie) *Response {
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	if cookie.SameSite == 0 {
		cookie.SameSite = http.SameSiteLaxMode
	}
	c := r.clone()
	c.cookies = append(c.cookies, cookie)
	return c
}

// Write sends the response.
func (r *Response) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range r.headers {
		h[k] = append([]string(nil), v...)
	}
	if r.contentType != "" {
		h.Set("Content-Type", r.contentType)
	}
	for _, c := range r.cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			MaxAge:   c.MaxAge,
			Expires:  c.Expires,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		http.SetCookie(w, hc)
	}
	w.WriteHeader(r.status)
	if len(r.body) > 0 {
		_, _ = w.Write(r.body)
	}
}
