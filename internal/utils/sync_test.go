package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/orbismem/internal/utils"
)

func TestEnabledMutexExcludes(t *testing.T) {
	m := utils.NewOptionalRWMutex(true)
	require.True(t, m.Enabled())

	m.Lock()
	require.False(t, m.TryLock())
	m.Unlock()

	require.True(t, m.TryLock())
	m.Unlock()

	m.RLock()
	require.False(t, m.TryLock())
	m.RUnlock()
}

func TestDisabledMutexIsNoop(t *testing.T) {
	var m utils.OptionalRWMutex
	require.False(t, m.Enabled())

	m.Lock()
	require.True(t, m.TryLock())
	m.Unlock()
	m.RLock()
	m.RUnlock()
}
