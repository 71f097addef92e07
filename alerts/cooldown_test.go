package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCooldownSuppressesWithinWindow(t *testing.T) {
	c := NewCooldown(WithCooldownWindow(24 * time.Hour))
	now := time.Now()

	require.True(t, c.Allow("sub-1", now))
	require.False(t, c.Allow("sub-1", now.Add(time.Hour)))
	require.False(t, c.Allow("sub-1", now.Add(23*time.Hour)))
	require.True(t, c.Allow("sub-1", now.Add(24*time.Hour+time.Second)))
}

func TestCooldownIsPerSubject(t *testing.T) {
	c := NewCooldown(WithCooldownWindow(time.Hour))
	now := time.Now()

	require.True(t, c.Allow("a", now))
	require.True(t, c.Allow("b", now))
	require.False(t, c.Allow("a", now.Add(time.Minute)))
}

func TestCooldownEvictsByTTL(t *testing.T) {
	c := NewCooldown(WithCooldownWindow(time.Hour), WithCooldownTTL(2*time.Hour))
	now := time.Now()

	require.True(t, c.Allow("a", now))
	require.Equal(t, 1, c.Len())

	// Touching another subject far past the TTL prunes the stale entry.
	require.True(t, c.Allow("b", now.Add(3*time.Hour)))
	require.Equal(t, 1, c.Len())
}

func TestCooldownEnforcesCap(t *testing.T) {
	c := NewCooldown(WithCooldownWindow(time.Hour), WithCooldownCap(10))
	now := time.Now()
	for i := 0; i < 25; i++ {
		c.Allow(fmt.Sprintf("sub-%d", i), now.Add(time.Duration(i)*time.Second))
	}
	require.LessOrEqual(t, c.Len(), 10)
}
