package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("update queue: %w", Conflict("version %d is stale", 3))

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.True(t, Retryable(err))
	assert.Equal(t, CodeVersionConflict, GetCode(err))
	assert.Equal(t, "version 3 is stale", Message(err))
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal(errors.New("dial tcp: refused"), "load session")

	assert.Equal(t, CodeInternal, GetCode(err))
	assert.Equal(t, "an unexpected error occurred", Message(err))
	assert.ErrorContains(t, err, "dial tcp: refused")
}

func TestGetCodeUnknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, GetCode(errors.New("plain")))
	assert.False(t, Retryable(nil))
}
