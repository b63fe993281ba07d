package rollout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/pokerlog"
)

func TestIsEnabledForChatDisabledGlobally(t *testing.T) {
	store, err := config.NewStore("")
	require.NoError(t, err)
	store.SetRolloutPercentage(100)
	g := New(store, pokerlog.Noop())

	// EnableFineGrainedLocks defaults to false: full rollout percentage
	// must still never flip a chat on.
	assert.False(t, g.IsEnabledForChat(12345))
}

func TestIsEnabledForChatZeroPercentAlwaysFalse(t *testing.T) {
	store, err := config.NewStore("")
	require.NoError(t, err)
	store.SetRolloutPercentage(0)
	g := New(store, pokerlog.Noop())
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()

	for chatID := int64(0); chatID < 50; chatID++ {
		assert.False(t, g.IsEnabledForChat(chatID))
	}
}

func TestIsEnabledForChatFullRolloutAlwaysTrue(t *testing.T) {
	store, err := config.NewStore("")
	require.NoError(t, err)
	store.SetRolloutPercentage(100)
	g := New(store, pokerlog.Noop())
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()

	for chatID := int64(0); chatID < 50; chatID++ {
		assert.True(t, g.IsEnabledForChat(chatID))
	}
}

func TestIsEnabledForChatIsDeterministic(t *testing.T) {
	store, err := config.NewStore("")
	require.NoError(t, err)
	store.SetRolloutPercentage(50)
	g := New(store, pokerlog.Noop())
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()

	for chatID := int64(0); chatID < 200; chatID++ {
		first := g.IsEnabledForChat(chatID)
		second := g.IsEnabledForChat(chatID)
		assert.Equal(t, first, second, "chat %d flip-flopped across calls", chatID)
	}
}

func TestBucketDistributionIsRoughlyUniform(t *testing.T) {
	buckets := make([]int, 100)
	for chatID := int64(0); chatID < 10000; chatID++ {
		buckets[bucket(chatID)]++
	}
	for i, count := range buckets {
		assert.Greater(t, count, 0, "bucket %d never hit across 10000 chat ids", i)
	}
}

func TestSyncFromStorePicksUpInMemoryChange(t *testing.T) {
	store, err := config.NewStore("")
	require.NoError(t, err)
	store.SetRolloutPercentage(10)
	g := New(store, pokerlog.Noop())
	assert.Equal(t, 10, g.RolloutPercentage())

	store.SetRolloutPercentage(5)
	g.SyncFromStore()
	assert.Equal(t, 5, g.RolloutPercentage())
}
