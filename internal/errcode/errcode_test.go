package errcode

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkedErrorsSurviveWrapping(t *testing.T) {
	err := New(NoSuchKey, "missing field %q", "lastmod")
	wrapped := fmt.Errorf("parsing chunk: %w", err)
	wrapped = errors.Wrap(wrapped, "refresh")

	assert.True(t, errors.Is(wrapped, NoSuchKey))
	assert.False(t, errors.Is(wrapped, FailedToParse))
	assert.Equal(t, "NoSuchKey", Of(wrapped))
	assert.Contains(t, wrapped.Error(), `missing field "lastmod"`)
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(HostUnreachable, cause, "contacting %s", "cfg-1")

	assert.True(t, errors.Is(err, HostUnreachable))
	assert.True(t, errors.Is(err, cause))
}

func TestFromName(t *testing.T) {
	tests := []struct {
		name string
		code error
	}{
		{name: "NamespaceNotFound", code: NamespaceNotFound},
		{name: "ConflictingOperationInProgress", code: ConflictingOperationInProgress},
		{name: "NotWritablePrimary", code: NotWritablePrimary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromName(tt.name, "remote said no")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code))
			assert.Equal(t, tt.name, Of(err))
		})
	}

	t.Run("unknown code", func(t *testing.T) {
		err := FromName("Weird", "boom")
		assert.Equal(t, "InternalError", Of(err))
	})
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(New(NamespaceNotFound, "db")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(New(ConflictingOperationInProgress, "busy")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(BadValue, "bad")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("other")))
	assert.Equal(t, "", Of(nil))
}
