package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ctx"))

	base := errors.New("disk full")
	wrapped := Wrap(base, "failed to start worker")
	assert.Equal(t, ErrCodeInternalError, wrapped.Code)
	assert.Equal(t, http.StatusInternalServerError, wrapped.HTTPStatus)
	assert.ErrorIs(t, wrapped, base)

	nf := Wrap(NotFound("worker", "w1"), "lookup")
	assert.Equal(t, ErrCodeNotFound, nf.Code)
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(nf))
	assert.Equal(t, "lookup: worker with id 'w1' not found", nf.Message)
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatus(ValidationError("prompt", "required")))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatus(BadRequest("bad")))
	assert.Equal(t, http.StatusServiceUnavailable, GetHTTPStatus(ServiceUnavailable("workers", nil)))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("x")))
}

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "BAD_REQUEST: bad", BadRequest("bad").Error())
	assert.Equal(t, "SERVICE_UNAVAILABLE: service 'workers' is currently unavailable: closed",
		ServiceUnavailable("workers", errors.New("closed")).Error())
}
