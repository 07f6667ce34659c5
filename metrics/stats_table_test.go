package metrics

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsTableIncAndGet(t *testing.T) {
	table := NewStatsTable()
	table.Inc("router.bid")
	table.Inc("router.bid")
	table.Add("router.win", 3)
	table.Add("router.win", 0)
	table.Add("router.win", -4)

	assert.Equal(t, map[string]int64{"router.bid": 2, "router.win": 3}, table.Get())
	assert.Equal(t, int64(2), table.Count("router.bid"))
	assert.Equal(t, int64(0), table.Count("router.loss"))
}

func TestStatsTableGetIsACopy(t *testing.T) {
	table := NewStatsTable()
	table.Inc("a")
	snapshot := table.Get()
	table.Inc("a")
	snapshot["a"] = 100

	assert.Equal(t, int64(2), table.Count("a"))
}

func TestStatsTableConcurrentIncrements(t *testing.T) {
	table := NewStatsTable()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				table.Inc("router.bid")
				table.Get()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(16000), table.Count("router.bid"))
}

func TestScope(t *testing.T) {
	table := NewStatsTable()
	scope := table.Scope("iface.http")
	scope.Inc("bidsSent")
	scope.Inc("bidsSent")

	assert.Equal(t, int64(2), scope.Count("bidsSent"))
	assert.Equal(t, int64(2), table.Count("iface.http.bidsSent"))
}

func TestDump(t *testing.T) {
	table := NewStatsTable()
	table.Inc("b")
	table.Inc("a")

	var buf bytes.Buffer
	table.Dump(&buf)
	assert.Equal(t, "a: 1\nb: 1\n", buf.String())
}

func TestMerge(t *testing.T) {
	dst := map[string]int64{"a": 1}
	Merge(dst, map[string]int64{"a": 2, "b": 5})
	assert.Equal(t, map[string]int64{"a": 3, "b": 5}, dst)
}

func TestScopeGet(t *testing.T) {
	table := NewStatsTable()
	table.Inc("iface.http.bidsSent")
	table.Inc("iface.httpx.bidsSent")
	table.Inc("router.bid")

	assert.Equal(t, map[string]int64{"iface.http.bidsSent": 1}, table.Scope("iface.http").Get())
}

func TestRegistryExposesCounters(t *testing.T) {
	table := NewStatsTable()
	table.Inc("router.bid")

	found := false
	table.Registry().Each(func(name string, _ interface{}) {
		if name == "router.bid" {
			found = true
		}
	})
	assert.True(t, found)
}
