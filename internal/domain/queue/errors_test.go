package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	for _, domain := range []error{
		ErrNotFound,
		fmt.Errorf("chamber: %w", ErrNotFound),
		ErrSessionFull,
		ErrSessionClosed,
		ErrConflict,
		transitionError("token", TokenCompleted, TokenCancelled),
		invalid("phone", "bad"),
	} {
		assert.Same(t, domain, classify("op", domain), "domain errors pass through: %v", domain)
	}

	raw := errors.New("dial tcp: connection refused")
	err := classify("list tokens", raw)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, "list tokens: dial tcp: connection refused", err.Error())

	// Already classified errors are not wrapped twice.
	assert.Same(t, err, classify("outer", err))
}

func TestSlotUnavailableFamily(t *testing.T) {
	assert.ErrorIs(t, ErrSessionFull, ErrSlotUnavailable)
	assert.ErrorIs(t, ErrSessionClosed, ErrSlotUnavailable)
	assert.NotErrorIs(t, ErrSessionFull, ErrSessionClosed)
}
