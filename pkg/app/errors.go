package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Status int    `json:"status"`
	Title  string `json:"title"`
}

func statusFor(err error) int {
	var qe *database.QueryError
	switch {
	case errors.Is(err, web.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, database.ErrImmutable):
		return http.StatusForbidden
	case errors.As(err, &qe):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadRequest
	default:
		return errs.StatusCode(err)
	}
}

var filePath = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[/\\][\w.\-]+){2,}`)

// publicMessage is what a client is told about err. Driver messages keep
// their first line only, with file paths cut to the base name.
func (ds *Datasette) publicMessage(err error) string {
	var qe *database.QueryError
	if ds.debug || !errors.As(err, &qe) {
		return err.Error()
	}
	msg, _, _ := strings.Cut(qe.Err.Error(), "\n")
	return filePath.ReplaceAllStringFunc(msg, filepath.Base)
}

// errorResponse turns a handler error into a response. A 403 goes through
// the forbidden hook first; server errors are reported to handle_exception.
func (ds *Datasette) errorResponse(ctx context.Context, req *web.Request, err error) *web.Response {
	status := statusFor(err)
	message := ds.publicMessage(err)

	switch {
	case status == http.StatusForbidden:
		resp, hookErr := ds.forbiddenResponse(ctx, req, message)
		if hookErr != nil {
			return ds.errorResponse(ctx, req, hookErr)
		}
		if resp != nil {
			return resp
		}
	case status >= http.StatusInternalServerError:
		ds.logger.Error("request failed", "path", req.Path(), "error", err)
		if hookErr := ds.dispatcher.Fire(ctx, hooks.HandleException, hooks.Values{
			hooks.ParamDatasette: ds,
			hooks.ParamRequest:   req,
			hooks.ParamException: err,
		}); hookErr != nil {
			ds.logger.Warn("handle_exception failed", "error", hookErr)
		}
		if !ds.debug {
			message = http.StatusText(status)
		}
	}
	return web.MustJSON(errorBody{Error: message, Status: status, Title: errs.Title(status)}, status)
}

// forbiddenResponse asks the forbidden hook for a custom 403. A nil response
// means no plugin answered.
func (ds *Datasette) forbiddenResponse(ctx context.Context, req *web.Request, message string) (*web.Response, error) {
	resp, found, err := hooks.First[*web.Response](ctx, ds.dispatcher, hooks.Forbidden, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamRequest:   req,
		hooks.ParamMessage:   message,
	})
	if err != nil || !found {
		return nil, err
	}
	return resp, nil
}

// deny adapts errorResponse to permissions.DenyFunc.
func (ds *Datasette) deny(w http.ResponseWriter, r *http.Request, message string) {
	req := web.NewRequest(r)
	ds.errorResponse(r.Context(), req, &errs.ForbiddenError{Message: message}).Write(w)
}

// failWith writes the error response for err.
func (ds *Datasette) failWith(w http.ResponseWriter, r *http.Request, err error) {
	ds.errorResponse(r.Context(), web.NewRequest(r), err).Write(w)
}

// serve adapts a built-in Handler to net/http.
func (ds *Datasette) serve(h Handler) http.HandlerFunc {
	return ds.serveFor("", h)
}

// serveFor adapts a Handler registered by plugin. A panicking handler is
// reported as a PluginExecutionError.
func (ds *Datasette) serveFor(plugin string, h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := web.NewRequest(r)
		resp, err := ds.callHandler(r.Context(), plugin, h, req)
		if err != nil {
			resp = ds.errorResponse(r.Context(), req, err)
		}
		if resp == nil {
			resp = web.NewResponse(nil, http.StatusNoContent, nil, "")
		}
		resp.Write(w)
	}
}

func (ds *Datasette) callHandler(ctx context.Context, plugin string, h Handler, req *web.Request) (resp *web.Response, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if p == http.ErrAbortHandler {
			panic(p)
		}
		ds.logger.Error("handler panicked", "plugin", plugin, "path", req.Path(), "panic", p, "stack", string(debug.Stack()))
		resp, err = nil, fmt.Errorf("panic: %v", p)
		if plugin != "" {
			err = &errs.PluginExecutionError{Plugin: plugin, Hook: hooks.RegisterRoutes, Err: err}
		}
	}()
	return h(ctx, ds, req)
}
