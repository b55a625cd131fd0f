package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, CanTransitionTo(TxStatusCreated, TxStatusInitiated))
	assert.True(t, CanTransitionTo(TxStatusCreated, TxStatusFailed))
	assert.False(t, CanTransitionTo(TxStatusCreated, TxStatusCompleted))
	assert.True(t, CanTransitionTo(TxStatusInitiated, TxStatusPending))
	assert.True(t, CanTransitionTo(TxStatusPending, TxStatusTimedOut))
	assert.False(t, CanTransitionTo(TxStatusPending, TxStatusInitiated))

	for _, terminal := range []string{TxStatusCompleted, TxStatusFailed, TxStatusTimedOut} {
		assert.True(t, IsTerminal(terminal))
		for _, to := range []string{TxStatusCreated, TxStatusInitiated, TxStatusPending, TxStatusCompleted, TxStatusFailed, TxStatusTimedOut} {
			assert.False(t, CanTransitionTo(terminal, to), "%s -> %s", terminal, to)
		}
	}
	assert.False(t, IsTerminal(TxStatusPending))
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("phone", "格式不正确")
	assert.True(t, IsValidationError(err))
	assert.False(t, IsValidationError(ErrNotFound))
	assert.Contains(t, err.Error(), "phone")
}
