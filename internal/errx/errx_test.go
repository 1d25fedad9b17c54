package errx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("sentinel: something failed")

func TestWrap(t *testing.T) {
	cause := errors.New("underlying cause")
	err := Wrap(errSentinel, cause)

	assert.True(t, errors.Is(err, errSentinel))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "sentinel: something failed")
	assert.Contains(t, err.Error(), "underlying cause")
}

func TestWrap_NilCause(t *testing.T) {
	err := Wrap(errSentinel, nil)
	require.Equal(t, errSentinel, err)
}

func TestWith_NoWrappedCause(t *testing.T) {
	err := With(errSentinel, ": field %q", "mtu")
	assert.True(t, errors.Is(err, errSentinel))
	assert.Contains(t, err.Error(), `field "mtu"`)
}

func TestWith_WrappedCause(t *testing.T) {
	cause := errors.New("parse failure")
	err := With(errSentinel, ": decode header: %w", cause)
	assert.True(t, errors.Is(err, errSentinel))
	assert.True(t, errors.Is(err, cause))
}
