package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(KindNotFound, "agent not found")
	wrapped := fmt.Errorf("loading agent: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindConflict))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:           http.StatusNotFound,
		KindValidation:         http.StatusBadRequest,
		KindConflict:           http.StatusConflict,
		KindUnauthorized:       http.StatusUnauthorized,
		KindForbidden:          http.StatusForbidden,
		KindRuntimeUnavailable: http.StatusServiceUnavailable,
		KindImagePullFailed:    http.StatusBadGateway,
		KindUpstreamTimeout:    http.StatusGatewayTimeout,
		KindUpstreamError:      http.StatusBadGateway,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), kind)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestMessageMasksInternals(t *testing.T) {
	assert.Equal(t, "internal error", Message(errors.New("sql: connection refused")))
	assert.Equal(t, "agent not found", Message(New(KindNotFound, "agent not found")))

	// Wrap keeps the presentable message, not the cause.
	wrapped := Wrap(KindUpstreamError, "broker request failed", errors.New("secret detail"))
	assert.Equal(t, "broker request failed", Message(wrapped))
	assert.Contains(t, wrapped.Error(), "secret detail")
}

func TestNewf(t *testing.T) {
	err := Newf(KindNotFound, "agent %s not found", "writer")
	assert.Equal(t, "agent writer not found", Message(err))
}
