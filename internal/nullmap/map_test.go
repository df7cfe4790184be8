package nullmap

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

func TestNilValueIsDistinctFromMissingKey(t *testing.T) {
	m := New[string, *int]()

	_, ok := m.Get("a")
	require.False(t, ok)

	prev := m.Put("a", nil)
	require.False(t, prev.IsPresent())

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Nil(t, v)
	require.True(t, m.ContainsKey("a"))
	require.Equal(t, 1, m.Len())

	removed := m.Remove("a")
	require.True(t, removed.IsPresent())
	require.False(t, m.ContainsKey("a"))
	require.Equal(t, 0, m.Len())
}

func TestComputeReturningNoneRemovesKey(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)

	out := m.Compute("k", func(_ string, cur Optional[int]) Optional[int] {
		v, ok := cur.Get()
		require.True(t, ok)
		require.Equal(t, 1, v)
		return None[int]()
	})

	require.False(t, out.IsPresent())
	require.False(t, m.ContainsKey("k"))
	require.Empty(t, m.slots)
}

func TestComputeIfAbsentSkipsPresentKeys(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 7)

	calls := 0
	out := m.ComputeIfAbsent("k", func(string) Optional[int] {
		calls++
		return Some(9)
	})
	require.Equal(t, 0, calls)
	require.Equal(t, 7, out.OrElse(-1))

	out = m.ComputeIfAbsent("other", func(string) Optional[int] {
		calls++
		return None[int]()
	})
	require.Equal(t, 1, calls)
	require.False(t, out.IsPresent())
	require.False(t, m.ContainsKey("other"))
}

func TestComputeIfPresentIgnoresMissingKeys(t *testing.T) {
	m := New[string, int]()

	out := m.ComputeIfPresent("k", func(string, int) Optional[int] {
		t.Fatal("unexpected call for missing key")
		return None[int]()
	})
	require.False(t, out.IsPresent())

	m.Put("k", 2)
	out = m.ComputeIfPresent("k", func(_ string, v int) Optional[int] { return Some(v * 10) })
	require.Equal(t, 20, out.OrElse(0))
}

func TestPutIfAbsent(t *testing.T) {
	m := New[string, string]()

	cur, stored := m.PutIfAbsent("k", "first")
	require.True(t, stored)
	require.Equal(t, "first", cur.OrElse(""))

	cur, stored = m.PutIfAbsent("k", "second")
	require.False(t, stored)
	require.Equal(t, "first", cur.OrElse(""))
}

func TestComputeSerializesPerKey(t *testing.T) {
	m := New[string, int]()

	var inside atomic.Int32
	var overlap atomic.Bool
	var wg conc.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Go(func() {
			m.Compute("hot", func(_ string, cur Optional[int]) Optional[int] {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return Some(cur.OrElse(0) + 1)
			})
		})
	}
	wg.Wait()

	require.False(t, overlap.Load(), "compute callbacks for one key overlapped")
	require.Equal(t, 32, m.Load("hot").OrElse(0))
}

func TestComputeOnDifferentKeysRunsInParallel(t *testing.T) {
	m := New[int, int]()
	release := make(chan struct{})
	entered := make(chan struct{}, 2)

	var wg conc.WaitGroup
	for i := 0; i < 2; i++ {
		key := i
		wg.Go(func() {
			m.Compute(key, func(k int, _ Optional[int]) Optional[int] {
				entered <- struct{}{}
				<-release
				return Some(k)
			})
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("compute on distinct keys blocked each other")
		}
	}
	close(release)
	wg.Wait()
	require.Equal(t, 2, m.Len())
}

func TestGetDoesNotWaitForCompute(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg conc.WaitGroup
	wg.Go(func() {
		m.Compute("k", func(string, Optional[int]) Optional[int] {
			close(started)
			<-release
			return Some(2)
		})
	})
	<-started

	v, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, 1, v)

	close(release)
	wg.Wait()
	require.Equal(t, 2, m.Load("k").OrElse(0))
}

func TestRangeAllowsMutationAndStopsEarly(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 5; i++ {
		m.Put(i, i)
	}

	m.Range(func(k, _ int) bool {
		m.Remove(k)
		return true
	})
	require.Equal(t, 0, m.Len())

	for i := 0; i < 5; i++ {
		m.Put(i, i)
	}
	seen := 0
	m.Range(func(int, int) bool {
		seen++
		return seen < 2
	})
	require.Equal(t, 2, seen)
}

func TestClearAndKeys(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)
	require.ElementsMatch(t, []string{"a", "b"}, m.Keys())

	m.Clear()
	require.Equal(t, 0, m.Len())
	require.Empty(t, m.Keys())
}

func TestZeroValueMapIsUsable(t *testing.T) {
	var m Map[string, int]
	require.False(t, m.ContainsKey("a"))
	m.Put("a", 1)
	require.Equal(t, 1, m.Load("a").OrElse(0))
}
