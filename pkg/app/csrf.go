package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"mime"
	"net/http"

	"github.com/google/uuid"

	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

const (
	// CSRFCookie holds the token a form post must echo back.
	CSRFCookie = "ds_csrftoken"
	csrfField  = "csrftoken"
	csrfHeader = "X-CSRFToken"
)

// csrfMiddleware applies double-submit protection to form posts. Requests
// carrying an Authorization header, JSON bodies and requests a skip_csrf
// implementation exempts are let through.
func (ds *Datasette) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !needsCSRF(r) {
			next.ServeHTTP(w, r)
			return
		}
		req := web.NewRequest(r)
		skip, _, err := hooks.First[bool](r.Context(), ds.dispatcher, hooks.SkipCSRF, hooks.Values{
			hooks.ParamDatasette: ds,
			hooks.ParamScope:     req,
		})
		if err != nil {
			ds.errorResponse(r.Context(), req, err).Write(w)
			return
		}
		if skip {
			next.ServeHTTP(w, r)
			return
		}
		cookie := req.Cookie(CSRFCookie)
		token := r.Header.Get(csrfHeader)
		if token == "" {
			form, err := req.PostVars()
			if errors.Is(err, web.ErrBodyTooLarge) {
				ds.errorResponse(r.Context(), req, err).Write(w)
				return
			}
			token = form.Get(csrfField)
		}
		if cookie == "" || subtle.ConstantTimeCompare([]byte(cookie), []byte(token)) != 1 {
			ds.errorResponse(r.Context(), req, &errs.ForbiddenError{Message: "CSRF token missing or incorrect"}).Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func needsCSRF(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" || ct == "text/plain"
}

// csrfTokenHandler returns the token for the caller, setting the cookie when
// it is missing.
func csrfTokenHandler(_ context.Context, _ *Datasette, req *web.Request) (*web.Response, error) {
	token := req.Cookie(CSRFCookie)
	resp := web.MustJSON(map[string]string{"token": token}, http.StatusOK)
	if token == "" {
		token = uuid.NewString()
		resp = web.MustJSON(map[string]string{"token": token}, http.StatusOK).
			WithCookie(web.Cookie{Name: CSRFCookie, Value: token, SameSite: http.SameSiteLaxMode})
	}
	return resp, nil
}
