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

package viewcache_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewcache/viewcache"
	"github.com/viewcache/viewcache/backingfs"
	"github.com/viewcache/viewcache/config"
	"github.com/viewcache/viewcache/pageio"
)

// TestEndToEndMapDirtyFlushTrimTeardown exercises the full public surface
// against a real file on disk and real mmap-backed views: the kind of
// round trip viewcachectl's demo command drives interactively.
func TestEndToEndMapDirtyFlushTrimTeardown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backing.bin")
	bf, err := backingfs.Open(path, path, false, false)
	require.NoError(t, err)
	defer bf.Close()

	reg := viewcache.NewRegistry(pageio.NewUnixSource())
	defer reg.Shutdown()

	sectionSize := int64(4 * config.Granularity)
	h, err := reg.InitializeFileCache(bf, viewcache.Sizes{FileSize: 0, SectionSize: sectionSize}, nil, bf, nil)
	require.NoError(t, err)
	m := h.Map()

	v0, _, valid0, err := reg.Request(m, 0)
	require.NoError(t, err)
	require.False(t, valid0)
	require.NoError(t, bf.ReadInto(v0.Bytes(), 0))
	copy(v0.Bytes(), []byte("first view's dirty contents"))
	reg.Release(m, v0, true, true, false)

	v1, _, _, err := reg.Request(m, config.Granularity)
	require.NoError(t, err)
	require.NoError(t, bf.ReadInto(v1.Bytes(), config.Granularity))
	reg.Release(m, v1, true, false, false) // clean, list-only reference

	require.EqualValues(t, config.PagesPerView, m.DirtyPages())

	written := reg.FlushDirty(config.PagesPerView, true, false)
	require.EqualValues(t, config.PagesPerView, written)
	require.EqualValues(t, 0, m.DirtyPages())

	onDisk := make([]byte, len("first view's dirty contents"))
	require.NoError(t, bf.ReadInto(onDisk, 0))
	require.Equal(t, "first view's dirty contents", string(onDisk))

	// Both views are now list-only (unreferenced); v0 sits at the LRU head
	// since it was created first and nothing has touched it since, so
	// Trim reclaims it ahead of v1.
	freed := reg.Trim(config.PagesPerView)
	require.EqualValues(t, config.PagesPerView, freed)
	_, ok := reg.Lookup(m, 0)
	require.False(t, ok)
	v1again, ok := reg.Lookup(m, config.Granularity)
	require.True(t, ok)
	reg.Release(m, v1again, true, false, false)

	require.NoError(t, reg.ReleaseFileCache(h))
}

// TestEndToEndReadOnlyFlushCountsWriteProtected exercises the
// non-retriable-but-non-fatal flush outcome against a real read-only
// backing file.
func TestEndToEndReadOnlyFlushCountsWriteProtected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.bin")
	bf, err := backingfs.Open(path, path, false, true)
	require.NoError(t, err)
	defer bf.Close()

	reg := viewcache.NewRegistry(pageio.NewUnixSource())
	defer reg.Shutdown()

	h, err := reg.InitializeFileCache(bf, viewcache.Sizes{FileSize: 0, SectionSize: config.Granularity}, nil, bf, nil)
	require.NoError(t, err)
	m := h.Map()

	v, _, _, err := reg.Request(m, 0)
	require.NoError(t, err)
	reg.Release(m, v, true, true, false)

	written := reg.FlushDirty(config.PagesPerView, true, false)
	require.EqualValues(t, config.PagesPerView, written, "write-protected still counts toward the flush target")

	// The view is still dirty, so teardown's FlushRange hits the same
	// write-protected failure and ReleaseFileCache reports it.
	require.ErrorIs(t, reg.ReleaseFileCache(h), viewcache.ErrWriteProtected)
}
