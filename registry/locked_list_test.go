package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockedList(t *testing.T) {
	l := NewLockedList[string](nil)

	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Add("a"))
	assert.Equal(t, 1, l.Add("b"))

	v, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = l.Get(2)
	assert.Error(t, err)
	_, err = l.Get(-1)
	assert.Error(t, err)

	snap := l.Snapshot()
	l.Add("c")
	assert.Equal(t, []string{"a", "b"}, snap, "snapshot is not affected by later adds")

	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Snapshot())
}

func TestLockedList_SnapshotClones(t *testing.T) {
	type item struct{ tags []string }
	l := NewLockedList(func(i item) item {
		return item{tags: append([]string(nil), i.tags...)}
	})
	l.Add(item{tags: []string{"x"}})

	snap := l.Snapshot()
	snap[0].tags[0] = "mutated"

	got, err := l.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "x", got.tags[0])
}

func TestLockedList_ConcurrentAdds(t *testing.T) {
	l := NewLockedList[int](nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Add(i)
			_ = l.Snapshot()
			_ = l.Len()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	seen := map[int]bool{}
	for _, v := range l.Snapshot() {
		seen[v] = true
	}
	assert.Len(t, seen, 50, "no adds lost")
}
