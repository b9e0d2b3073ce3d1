package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(NotFound("order", "PO-1")))
	assert.Equal(t, CodeIntegrity, CodeOf(Integrity("duplicate active config")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", Conflict("taken"))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeInternal, "failed to query orders")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to query orders")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("delegation", "E100")))
	assert.False(t, IsNotFound(Conflict("nope")))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("mode", "unknown")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("threshold", "CAPEX")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("active config exists")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Integrity("duplicate active rows")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Unauthorized("not an approver")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
