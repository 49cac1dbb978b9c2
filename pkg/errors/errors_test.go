package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromErrorWrapsUnknownErrors(t *testing.T) {
	err := FromError(fmt.Errorf("disk full"))
	require.NotNil(t, err)
	assert.Equal(t, ErrInternal.Code, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsMatchesByCodeThroughWrapping(t *testing.T) {
	clone := Clone(ErrDependencyConflict, "pen missing")
	wrapped := fmt.Errorf("push batch: %w", clone)

	assert.True(t, Is(wrapped, ErrDependencyConflict))
	assert.False(t, Is(wrapped, ErrTransport))
	assert.False(t, Is(nil, ErrTransport))
	assert.Equal(t, "pen missing", FromError(wrapped).Message)
}
