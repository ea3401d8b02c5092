package errors

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := Wrap(Wrap(NotFoundf("job %s not found", "j1"), "get job"), "handler")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "job j1 not found")
}

func TestUnavailableIsDistinctFromNotFound(t *testing.T) {
	err := Unavailable(io.ErrUnexpectedEOF, "read jobs")
	assert.True(t, IsStoreUnavailable(err))
	assert.False(t, IsNotFound(err))
	assert.True(t, Is(err, io.ErrUnexpectedEOF))
	assert.Nil(t, Unavailable(nil, "noop"))
}

func TestConflictAndInvalid(t *testing.T) {
	assert.True(t, IsConflict(Conflictf("job is %s", "running")))
	assert.True(t, IsInvalidRequest(InvalidRequestf("missing %s", "team")))
	assert.False(t, IsConflict(nil))
}
