package trpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultErrorShape(t *testing.T) {
	err := WrapError(CodeInternalServerError, "query failed", errors.New("secret dsn"))
	shape := DefaultErrorShape(err, "users.list")

	assert.Equal(t, -32603, shape.Code)
	assert.Equal(t, "query failed", shape.Message)
	assert.Equal(t, map[string]any{
		"code":       "INTERNAL_SERVER_ERROR",
		"httpStatus": 500,
		"path":       "users.list",
	}, shape.Data)
}

func TestCodeTables(t *testing.T) {
	assert.Equal(t, 499, CodeClientClosedRequest.HTTPStatus())
	assert.Equal(t, -32700, CodeParseError.JSONRPC())
	assert.Equal(t, 500, Code("MADE_UP").HTTPStatus())
	assert.Equal(t, -32603, Code("MADE_UP").JSONRPC())
	assert.False(t, Code("MADE_UP").Known())
	assert.True(t, CodeTooManyRequests.Known())
}

func TestFromError(t *testing.T) {
	coded := NewError(CodeConflict, "taken")
	wrapped := errors.Join(errors.New("context"), coded)
	assert.Same(t, coded, FromError(wrapped))

	assert.Nil(t, FromError(nil))

	plain := FromError(errors.New("plain"))
	assert.Equal(t, CodeInternalServerError, plain.Code)
	assert.Equal(t, "internal server error", plain.Message)
	assert.EqualError(t, plain.Cause, "plain")
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: missing", NewError(CodeNotFound, "missing").Error())
	assert.Equal(t, "BAD_REQUEST", NewError(CodeBadRequest, "").Message)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: internal server error: boom", WrapError(CodeInternalServerError, "", errors.New("boom")).Error())
	assert.Equal(t, "CONFLICT: taken", WrapError(CodeConflict, "", errors.New("taken")).Error())
	assert.Equal(t, "TIMEOUT: slow: deadline", WrapError(CodeTimeout, "slow", errors.New("deadline")).Error())
}
