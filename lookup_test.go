// Copyright 2024 The ViewCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viewcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateIsIdempotentPerAlignedOffset(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "f1", 4*granularity)

	v1, err := r.Create(m, 0)
	require.NoError(t, err)
	v2, err := r.Create(m, 17) // same aligned bucket as 0
	require.NoError(t, err)

	require.Same(t, v1, v2)
	require.EqualValues(t, 3, v1.RefCount()) // list + v1's hold + v2's hold

	v1.decRef()
	v2.decRef()
	require.EqualValues(t, 1, v1.RefCount())
}

func TestCreateCollapsesConcurrentRaceToOneView(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "f2", 4*granularity)

	const n = 64
	views := make([]*View, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := r.Create(m, granularity)
			require.NoError(t, err)
			views[i] = v
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, views[0], views[i], "every caller must observe the same view for one aligned offset")
	}
	require.EqualValues(t, n+1, views[0].RefCount())

	for _, v := range views {
		v.decRef()
	}
	require.EqualValues(t, 1, views[0].RefCount())
}

func TestRequestPanicsOnMisalignedOffset(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "f3", 4*granularity)

	require.Panics(t, func() {
		_, _, _, _ = r.Request(m, 17)
	})
}

func TestGetMovesHitToLRUTail(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "f4", 4*granularity)

	v0, _, _, err := r.Get(m, 0)
	require.NoError(t, err)
	r.Release(m, v0, true, false, false)
	v1, _, _, err := r.Get(m, granularity)
	require.NoError(t, err)
	r.Release(m, v1, true, false, false)

	r.registryMu.Lock()
	tail := r.lru.tail
	r.registryMu.Unlock()
	require.Same(t, v1, tail)

	// Re-Get v0: it must move back to the tail.
	v0again, _, _, err := r.Get(m, 0)
	require.NoError(t, err)
	require.Same(t, v0, v0again)
	r.Release(m, v0again, true, false, false)

	r.registryMu.Lock()
	tail = r.lru.tail
	r.registryMu.Unlock()
	require.Same(t, v0, tail)
}

func TestMappedCountTakesExtraRefOnlyOnZeroToOneTransition(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "f5", 4*granularity)

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, v.RefCount()) // list + caller's hold

	r.Release(m, v, true, false, true) // mappedInc=true, drops caller's hold
	require.EqualValues(t, 1, v.MappedCount())
	require.EqualValues(t, 2, v.RefCount()) // list + mapped-extra

	require.NoError(t, r.Unmap(m, 0, false))
	require.EqualValues(t, 0, v.MappedCount())
	require.EqualValues(t, 1, v.RefCount())
}

func TestUnmapOnMissingViewReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "f6", 4*granularity)

	err := r.Unmap(m, 0, false)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
}
