package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", NotFound("table %q", "dogs"), http.StatusNotFound},
		{"forbidden", Forbidden("nope"), http.StatusForbidden},
		{"wrapped forbidden", fmt.Errorf("outer: %w", Forbidden("nope")), http.StatusForbidden},
		{"validation", Invalid("sql", "empty"), http.StatusBadRequest},
		{"plugin", &PluginExecutionError{Plugin: "p", Hook: "h", Err: errors.New("boom")}, http.StatusInternalServerError},
		{"plugin returning bad data", &PluginExecutionError{Plugin: "p", Hook: "h", Err: Invalid("result", "bad")}, http.StatusInternalServerError},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `table "dogs" not found`, NotFound("table %q", "dogs").Error())
	assert.Equal(t, "forbidden", (&ForbiddenError{}).Error())
	assert.Equal(t, "invalid sql: empty", Invalid("sql", "empty").Error())

	inner := errors.New("boom")
	pe := &PluginExecutionError{Plugin: "p", Hook: "startup", Err: inner}
	assert.Equal(t, `plugin "p" hook startup: boom`, pe.Error())
	assert.ErrorIs(t, pe, inner)
}
