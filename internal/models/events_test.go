package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWarningLevelFor(t *testing.T) {
	assert.Equal(t, ContextNormal, WarningLevelFor(0))
	assert.Equal(t, ContextNormal, WarningLevelFor(69.9))
	assert.Equal(t, ContextWarning, WarningLevelFor(70))
	assert.Equal(t, ContextWarning, WarningLevelFor(84.9))
	assert.Equal(t, ContextCritical, WarningLevelFor(85))
	assert.Equal(t, ContextCritical, WarningLevelFor(94.9))
	assert.Equal(t, ContextBlocked, WarningLevelFor(95))
	assert.Equal(t, ContextBlocked, WarningLevelFor(120))
}

func TestStreamErrorPayload(t *testing.T) {
	serr := ErrContextLimitExceeded(190000, 200000)
	p := serr.Payload()
	assert.Equal(t, ErrTypeContextLimitExceeded, p.ErrorType)
	assert.False(t, p.Recoverable)
	assert.Contains(t, p.Message, "190000")

	locked := ErrConversationLocked("conv1")
	assert.True(t, locked.Payload().Recoverable)

	timeout := ErrEventTimeout(300)
	assert.Equal(t, ErrTypeTimeout, timeout.Payload().ErrorType)
	assert.Contains(t, timeout.Message, "300")
}
