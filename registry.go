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
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/viewcache/viewcache/config"
	"github.com/viewcache/viewcache/pageio"
)

// Registry is the process-wide state spec §3 calls the "Global registry":
// all maps, the global LRU, the global dirty list, and the dirty-page
// counter. The design notes (spec §9) ask for "an explicit CacheRoot
// value threaded through all operations" in place of NT's global
// singletons; Registry is that value. Subsystem init builds one; teardown
// consumes it.
//
// Lock order (spec §5): registryMu → Map.mu → per-View atomics. No
// operation holds registryMu across a callout into the filesystem or the
// memory manager.
type Registry struct {
	registryMu sync.Mutex // "global_registry_mutex": guards maps, lru, dirty
	maps       map[string]*Map
	lru        lruList
	dirty      dirtyList

	dirtyPages uint64 // global dirty-page counter; atomic

	pageSource pageio.Source
	runtime    *config.Runtime
	log        *logrus.Entry

	viewPool sync.Pool // lookaside pool for *View
	mapPool  sync.Pool // lookaside pool for *Map

	lw *lazyWriter
}

// Option configures a new Registry.
type Option func(*Registry)

// WithLogger overrides the default logrus.Entry the registry logs
// through.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Registry) { r.log = l }
}

// WithRuntime supplies a pre-built config.Runtime (dirty threshold, lazy
// writer interval) instead of config.NewRuntime()'s defaults.
func WithRuntime(rt *config.Runtime) Option {
	return func(r *Registry) { r.runtime = rt }
}

// NewRegistry builds a fresh CacheRoot-equivalent value over the given
// memory-manager capability (spec §6). The returned Registry's lazy
// writer goroutine is started immediately and must be stopped with
// Registry.Shutdown.
func NewRegistry(src pageio.Source, opts ...Option) *Registry {
	r := &Registry{
		maps:       make(map[string]*Map),
		pageSource: src,
		runtime:    config.NewRuntime(),
		log:        logrus.WithField("component", "viewcache"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.viewPool.New = func() any { return &View{} }
	r.mapPool.New = func() any { return &Map{} }
	r.lw = newLazyWriter(r)
	r.lw.start()
	return r
}

// Shutdown stops the background lazy writer. It does not tear down any
// still-open Map; callers are expected to have dereferenced every File
// first (spec §4.7).
func (r *Registry) Shutdown() {
	r.lw.stop()
}

func (r *Registry) logger() *logrus.Entry { return r.log }

func (r *Registry) pageSize() int {
	if ps, ok := r.pageSource.(interface{ PageSize() int }); ok {
		return ps.PageSize()
	}
	return config.DefaultPageSize
}

// DirtyPages returns the global dirty-page counter. Advisory when read
// without registryMu held (spec §5).
func (r *Registry) DirtyPages() uint64 { return atomic.LoadUint64(&r.dirtyPages) }

func (r *Registry) addDirtyPages(delta int64) {
	if delta >= 0 {
		atomic.AddUint64(&r.dirtyPages, uint64(delta))
		return
	}
	for {
		old := atomic.LoadUint64(&r.dirtyPages)
		nv := old - uint64(-delta)
		if old < uint64(-delta) {
			invariant("Registry.addDirtyPages: global dirty counter underflowed (old=%d delta=%d)", old, delta)
		}
		if atomic.CompareAndSwapUint64(&r.dirtyPages, old, nv) {
			return
		}
	}
}

// Runtime exposes the mutable configuration knobs (spec §6).
func (r *Registry) Runtime() *config.Runtime { return r.runtime }

// newView allocates a View from the lookaside pool (spec §3 "Global
// registry": "lookaside pools for V and M").
func (r *Registry) newView() *View {
	v := r.viewPool.Get().(*View)
	*v = View{}
	return v
}

// newMapStruct allocates a Map from the lookaside pool.
func (r *Registry) newMapStruct() *Map {
	m := r.mapPool.Get().(*Map)
	*m = Map{}
	return m
}

// freeView runs the view's teardown and returns its structure to the
// pool. Called only from View.decRef once ref_count reaches zero.
func (r *Registry) freeView(v *View) {
	v.free()
	r.viewPool.Put(v)
}
