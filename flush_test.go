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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewcache/viewcache/config"
)

func TestMarkDirtyViaReleaseLinksDirtyListAndTakesRef(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, _ := newTestMap(t, r, "d1", 4*granularity)

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, v.RefCount())

	r.Release(m, v, true, true, false) // nowDirty=true, drops caller's hold
	require.True(t, v.Dirty())
	require.EqualValues(t, 2, v.RefCount()) // list + dirty-list
	require.EqualValues(t, config.PagesPerView, m.DirtyPages())
	require.EqualValues(t, config.PagesPerView, r.DirtyPages())
}

func TestFlushOneClearsDirtyAndWritesBack(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, f := newTestMap(t, r, "d2", 4*granularity)

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	r.Release(m, v, true, true, false)
	require.True(t, v.Dirty())

	require.NoError(t, r.FlushOne(v))
	require.False(t, v.Dirty())
	require.EqualValues(t, 1, v.RefCount()) // back to just the list ref
	require.Equal(t, 1, f.writesSeen())
	require.EqualValues(t, 0, m.DirtyPages())
	require.EqualValues(t, 0, r.DirtyPages())
}

func TestFlushOneLeavesViewDirtyOnWriteFailure(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, f := newTestMap(t, r, "d3", 4*granularity)

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	r.Release(m, v, true, true, false)

	f.writeErr = fmt.Errorf("disk is on fire")
	err = r.FlushOne(v)
	require.Error(t, err)
	require.True(t, v.Dirty())
	require.ErrorIs(t, err, ErrIoFailure)
}

func TestFlushDirtySkipsActivelyUsedView(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, f := newTestMap(t, r, "d4", 4*granularity)

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	r.Release(m, v, true, true, false)

	// v still has an outstanding caller hold (from a second Get), so its
	// ref_count is 3 (list + dirty + this hold) and FlushDirty must skip
	// it rather than write back a view someone else is actively using.
	v2, _, _, err := r.Get(m, 0)
	require.NoError(t, err)
	require.Same(t, v, v2)

	written := r.FlushDirty(config.PagesPerView, false, false)
	require.EqualValues(t, 0, written)
	require.True(t, v.Dirty())
	require.Equal(t, 0, f.writesSeen())

	r.Release(m, v2, true, false, false)
	written = r.FlushDirty(config.PagesPerView, false, false)
	require.EqualValues(t, config.PagesPerView, written)
	require.False(t, v.Dirty())
}

func TestFlushDirtySkipsTemporaryFileWhenFromLazy(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, f := newTestMap(t, r, "d5", 4*granularity)
	f.temporary = true

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	r.Release(m, v, true, true, false)

	written := r.FlushDirty(config.PagesPerView, false, true)
	require.EqualValues(t, 0, written)
	require.True(t, v.Dirty())

	written = r.FlushDirty(config.PagesPerView, false, false)
	require.EqualValues(t, config.PagesPerView, written)
}

func TestFlushDirtyCountsWriteProtectedTowardTarget(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, f := newTestMap(t, r, "d6", 4*granularity)

	v, err := r.Create(m, 0)
	require.NoError(t, err)
	r.Release(m, v, true, true, false)

	f.writeErr = fmt.Errorf("read-only filesystem: %w", ErrWriteProtected)
	written := r.FlushDirty(config.PagesPerView, false, false)
	require.EqualValues(t, config.PagesPerView, written)
	require.True(t, v.Dirty(), "write-protected leaves the view dirty even though it counted toward the target")
	require.True(t, errors.Is(f.writeErr, ErrWriteProtected))
}

func TestFlushRangeReportsFirstErrorAndFlushedCount(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Shutdown()
	m, f := newTestMap(t, r, "d7", 4*granularity)

	v0, err := r.Create(m, 0)
	require.NoError(t, err)
	r.Release(m, v0, true, true, false)
	v1, err := r.Create(m, granularity)
	require.NoError(t, err)
	r.Release(m, v1, true, true, false)

	f.writeErr = fmt.Errorf("boom")
	firstErr, flushed := r.FlushRange(m, 0, 2*granularity)
	require.Error(t, firstErr)
	require.Equal(t, 0, flushed)
	require.True(t, v0.Dirty())
	require.True(t, v1.Dirty())

	f.writeErr = nil
	firstErr, flushed = r.FlushRange(m, 0, 2*granularity)
	require.NoError(t, firstErr)
	require.Equal(t, 2, flushed)
	require.False(t, v0.Dirty())
	require.False(t, v1.Dirty())
}
