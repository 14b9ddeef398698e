package apperr

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
		{"validation", Validation("bad", nil), http.StatusBadRequest},
		{"unauthorized", Unauthorized("no key"), http.StatusUnauthorized},
		{"forbidden", Forbidden("nope"), http.StatusForbidden},
		{"not found", NotFound("job", "j1"), http.StatusNotFound},
		{"conflict", Conflict("busy"), http.StatusConflict},
		{"rate limited", RateLimited("slow down"), http.StatusTooManyRequests},
		{"upstream", Upstream("fetch", errors.New("boom")), http.StatusInternalServerError},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("source", "s1")), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestSourceNotActive(t *testing.T) {
	err := SourceNotActive("src-1", "paused")
	assert.True(t, IsSourceNotActive(err))
	assert.True(t, Is(err, KindForbidden))
	assert.Contains(t, err.Error(), "src-1")
	assert.Contains(t, err.Error(), "paused")

	assert.False(t, IsSourceNotActive(Forbidden("other")))
	assert.False(t, IsSourceNotActive(errors.New("x")))
}

func TestError_Unwrap(t *testing.T) {
	root := errors.New("connection refused")
	err := Upstream("fetch products", root)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "fetch products: connection refused", err.Error())
}

func TestKindOf_Nil(t *testing.T) {
	assert.False(t, Is(nil, KindInternal))
}
