package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		typ    Type
		status int
	}{
		{TypeNotFound, http.StatusNotFound},
		{TypeInvalidState, http.StatusConflict},
		{TypeInvalidTransition, http.StatusConflict},
		{TypeNotLockOwner, http.StatusConflict},
		{TypeLockedByOther, http.StatusConflict},
		{TypeConflict, http.StatusConflict},
		{TypeValidation, http.StatusBadRequest},
		{TypePartialWrite, http.StatusBadRequest},
		{TypeUnauthenticated, http.StatusUnauthorized},
		{TypeUnauthorized, http.StatusForbidden},
		{TypeDependencyUnavailable, http.StatusServiceUnavailable},
		{TypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.typ, "x").Status())
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, TypeDependencyUnavailable, "redis unavailable")

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, TypeDependencyUnavailable))
}

func TestAsWrapsUnknownAsInternal(t *testing.T) {
	plain := errors.New("boom")
	ae := As(plain)
	assert.Equal(t, TypeInternal, ae.Type)
	assert.ErrorIs(t, ae, plain)

	// Typed errors survive a fmt wrap.
	wrapped := fmt.Errorf("handler: %w", NotFound("run", "abc"))
	assert.Equal(t, TypeNotFound, As(wrapped).Type)
}
