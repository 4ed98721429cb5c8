package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-ryan747/grpclib/codes"
)

func TestNewAndAccessors(t *testing.T) {
	s := New(codes.NotFound, "widget missing")
	assert.Equal(t, codes.NotFound, s.Code())
	assert.Equal(t, "widget missing", s.Message())
	assert.Nil(t, s.Details())
}

func TestOKStatusErrIsNil(t *testing.T) {
	s := New(codes.OK, "")
	assert.NoError(t, s.Err())
}

func TestErrRoundTripsThroughFromError(t *testing.T) {
	err := Error(codes.PermissionDenied, "nope")
	require.Error(t, err)

	s, ok := FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, s.Code())
	assert.Equal(t, "nope", s.Message())
}

func TestFromErrorOnPlainErrorIsUnknown(t *testing.T) {
	s, ok := FromError(errors.New("boom"))
	assert.False(t, ok)
	assert.Equal(t, codes.Unknown, s.Code())
	assert.Equal(t, "boom", s.Message())
}

func TestFromErrorOnNilIsOK(t *testing.T) {
	s, ok := FromError(nil)
	require.True(t, ok)
	assert.Equal(t, codes.OK, s.Code())
}

func TestCodeHelper(t *testing.T) {
	assert.Equal(t, codes.OK, Code(nil))
	assert.Equal(t, codes.Unknown, Code(errors.New("x")))
	assert.Equal(t, codes.Aborted, Code(Error(codes.Aborted, "retry")))
}

func TestWithDetailsPreservesCodeAndMessage(t *testing.T) {
	s := New(codes.Internal, "bad state").WithDetails([]byte{1, 2, 3})
	assert.Equal(t, codes.Internal, s.Code())
	assert.Equal(t, []byte{1, 2, 3}, s.Details())
}

func TestEqual(t *testing.T) {
	a := New(codes.NotFound, "x")
	b := New(codes.NotFound, "x")
	c := New(codes.NotFound, "y")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestFromContextError(t *testing.T) {
	assert.NoError(t, FromContextError(nil))

	deadlineErr := FromContextError(context.DeadlineExceeded)
	require.Error(t, deadlineErr)
	assert.Equal(t, codes.DeadlineExceeded, Code(deadlineErr))

	canceledErr := FromContextError(context.Canceled)
	require.Error(t, canceledErr)
	assert.Equal(t, codes.Canceled, Code(canceledErr))

	other := FromContextError(errors.New("weird"))
	assert.Equal(t, codes.Unknown, Code(other))
}
