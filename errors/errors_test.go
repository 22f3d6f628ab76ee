package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.String())
	}
}

func TestWrapPattern(t *testing.T) {
	base := fmt.Errorf("boom")
	err := Wrap(base, "Correlator", "IssueCommand", "publish control message")

	require.Error(t, err)
	assert.Equal(t, "Correlator.IssueCommand: publish control message failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassificationOfSentinels(t *testing.T) {
	assert.True(t, IsTransient(ErrNotConnected))
	assert.True(t, IsTransient(ErrPublishFailed))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.True(t, IsInvalid(ErrAlreadyPending))
	assert.True(t, IsInvalid(ErrNotFound))
	assert.False(t, IsInvalid(ErrNotConnected))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := WrapInvalid(ErrAlreadyPending, "Correlator", "IssueCommand", "register pending slot")

	require.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrAlreadyPending)
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapFatal(ErrInvalidConfig, "Config", "Load", "validate")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Config", ce.Component)
	assert.Equal(t, "Load", ce.Operation)
	assert.True(t, IsFatal(err))
}
