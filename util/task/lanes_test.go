package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLanesKeepOrderPerKey(t *testing.T) {
	lanes := NewLanes(4, 1000)

	var mu sync.Mutex
	seen := make(map[string][]int)
	keys := []string{"agent_1", "agent_2", "agent_3"}
	for i := 0; i < 100; i++ {
		for _, key := range keys {
			key, i := key, i
			assert.True(t, lanes.Submit(key, func() {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			}))
		}
	}
	lanes.Stop()

	for _, key := range keys {
		assert.Len(t, seen[key], 100, key)
		for i, v := range seen[key] {
			assert.Equal(t, i, v, key)
		}
	}
}

func TestLanesSameKeySameLane(t *testing.T) {
	lanes := NewLanes(8, 1)
	defer lanes.Stop()

	assert.Equal(t, lanes.index("agent"), lanes.index("agent"))
	assert.True(t, lanes.index("agent") < 8)
}

func TestLanesRejectAfterStop(t *testing.T) {
	lanes := NewLanes(2, 10)
	lanes.Stop()
	lanes.Stop()

	assert.False(t, lanes.Submit("agent", func() {
		t.Error("task ran after stop")
	}))
}
