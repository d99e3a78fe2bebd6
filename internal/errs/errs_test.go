// ABOUTME: Tests for the error taxonomy helpers
// ABOUTME: Verifies wrapping keeps both the kind and the underlying cause matchable

package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors_CarryKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"not found", NotFound("conversation %s", "c1"), ErrNotFound},
		{"conflict", Conflict("workplace %s busy", "w1"), ErrConflict},
		{"invalid state", InvalidState("conversation is %s", "resolved"), ErrInvalidState},
		{"validation", Validation("channel key is required"), ErrValidation},
		{"permission", PermissionDenied("agent %s is deactivated", "a1"), ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			assert.Equal(t, tt.kind, Kind(tt.err))
		})
	}
}

func TestStorage_WrapsBoth(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Storage("append message", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "append message")
	assert.Equal(t, ErrStorage, Kind(err))
}

func TestStorage_NilIsNil(t *testing.T) {
	assert.NoError(t, Storage("noop", nil))
}

func TestKind_Unknown(t *testing.T) {
	assert.Nil(t, Kind(errors.New("plain")))
	assert.Nil(t, Kind(nil))
}
