package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogfAttachesInstance(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { _ = Configure("info", "text") })

	Logf("[connection] state=%s", "connected")
	Warnf("[router] dropped frame reason=%s", "decode")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "[connection] state=connected", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, GetInstanceID(), entries[0].ContextMap()["instance"])
}

func TestConfigure(t *testing.T) {
	t.Cleanup(func() { _ = Configure("info", "text") })

	require.NoError(t, Configure("debug", "json"))
	assert.True(t, DebugEnabled())

	require.NoError(t, Configure("warn", "text"))
	assert.False(t, DebugEnabled())

	assert.Error(t, Configure("loud", "text"))
	assert.Error(t, Configure("info", "xml"))
}

func TestGetInstanceIDStable(t *testing.T) {
	first := GetInstanceID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, GetInstanceID())
}
