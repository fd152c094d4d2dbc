package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrapf(ErrNotOwned, "release target %d", 42)

	assert.Contains(t, wrapped.Error(), "release target 42")
	assert.True(t, Is(wrapped, ErrNotOwned))
	assert.True(t, IsNotOwned(wrapped))
	assert.False(t, IsNotFoundError(wrapped))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("claim failed"), "worker: w-1")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "worker: w-1", details[0])
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"nil not found", nil, IsNotFoundError, false},
		{"not found", NewNotFoundError("cursor %s", "acme.com"), IsNotFoundError, true},
		{"invalid", NewInvalidRequestError("bad phase %q", "x"), IsInvalidRequestError, true},
		{"not owned", NewNotOwnedError("target %d", 7), IsNotOwned, true},
		{"timeout", Wrap(ErrTimeout, "unit"), IsTimeout, true},
		{"plain", New("boom"), IsTimeout, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestStdlibWrappingInterop(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", ErrConflict)
	assert.True(t, Is(wrapped, ErrConflict))
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.NotNil(t, GetReportableStackTrace(err))
}
