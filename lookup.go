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
	"fmt"

	"github.com/viewcache/viewcache/config"
	"github.com/viewcache/viewcache/pageio"
)

func alignDown(off int64) int64 {
	const g = int64(config.Granularity)
	return off &^ (g - 1)
}

// lookupLocked requires m.mu held. It returns the view covering off with
// one extra reference taken, or nil on a miss (spec §4.2 "Lookup").
// Because views are exactly GRANULARITY-sized and aligned, and at most
// one exists per aligned offset (spec §3), an exact key probe on the
// aligned offset is equivalent to the spec's ordered linear scan with
// early termination, and is what the B-tree index (SPEC_FULL.md DOMAIN
// STACK) is for.
func (r *Registry) lookupLocked(m *Map, off int64) *View {
	probe := &View{fileOffset: alignDown(off)}
	v, ok := m.views.Get(probe)
	if !ok {
		return nil
	}
	v.incRef()
	return v
}

// Lookup walks m's view index for the view covering off, taking a
// reference on a hit (spec §4.2).
func (r *Registry) Lookup(m *Map, off int64) (*View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := r.lookupLocked(m, off)
	return v, v != nil
}

// Create allocates and publishes a new view covering off (spec §4.2
// "Create"). Concurrent Create calls for the same aligned offset are
// collapsed by m.createSF (SPEC_FULL.md DOMAIN STACK) instead of the
// spec's hand-rolled "insert, re-scan, discard loser" protocol; the
// externally observable guarantee is identical: at most one view per
// aligned offset, and every caller receives its own reference to it.
func (r *Registry) Create(m *Map, off int64) (*View, error) {
	aligned := alignDown(off)
	if aligned < 0 || aligned >= m.SectionSize() {
		return nil, newErr("Create", InvalidParameter, fmt.Errorf("offset %#x is outside section of size %#x", off, m.SectionSize()))
	}

	key := fmt.Sprintf("%d", aligned)
	res, err, _ := m.createSF.Do(key, func() (any, error) {
		// Re-check: a previous singleflight generation for this key may
		// have already published the view and been forgotten (Do only
		// dedups calls that overlap in time). Peek without taking a ref
		// here: every merged caller takes its own ref exactly once below,
		// after Do returns, regardless of which branch produced v.
		m.mu.Lock()
		probe := &View{fileOffset: aligned}
		if v, ok := m.views.Get(probe); ok {
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()
		return r.createView(m, aligned)
	})
	if err != nil {
		return nil, err
	}
	v := res.(*View)
	v.incRef() // this caller's own hold, on top of the view's list-membership ref.
	return v, nil
}

// createView performs spec §4.2 steps 1-2 (allocate + map) and step 4
// (publish): insert into the map's ordered index and append to the
// global LRU tail. The returned view carries exactly the list-membership
// reference (ref_count=1); Create adds the caller's own reference.
func (r *Registry) createView(m *Map, aligned int64) (*View, error) {
	v := r.newView()
	v.owner = m
	v.fileOffset = aligned

	region, err := r.pageSource.ReserveVA(config.Granularity)
	if err != nil {
		*v = View{}
		r.viewPool.Put(v)
		return nil, newErr("Create", OutOfResources, err)
	}
	v.region = region

	ps := r.pageSize()
	for o := 0; o < config.Granularity; o += ps {
		if err := r.pageSource.CommitPage(region, o, pageio.ConsumerCache); err != nil {
			invariant("Create: CommitPage failed at offset %#x of view at file offset %#x: %v", o, aligned, err)
		}
	}
	v.refCount = 1

	r.registryMu.Lock()
	m.mu.Lock()
	m.views.ReplaceOrInsert(v)
	m.activeViews++
	r.lru.pushBack(v)
	m.mu.Unlock()
	r.registryMu.Unlock()

	m.tracef("Create: published view at offset %#x", aligned)
	return v, nil
}

// Get resolves (m, off) to a view, creating one on a miss, and moves it
// to the LRU tail on a hit (spec §4.2 "Get"). It returns the view, its
// base address, and its current Valid flag.
func (r *Registry) Get(m *Map, off int64) (*View, uintptr, bool, error) {
	if v, ok := r.Lookup(m, off); ok {
		r.registryMu.Lock()
		r.lru.moveToBack(v)
		r.registryMu.Unlock()
		return v, v.BaseAddr(), v.Valid(), nil
	}
	v, err := r.Create(m, off)
	if err != nil {
		return nil, 0, false, err
	}
	return v, v.BaseAddr(), v.Valid(), nil
}

// Request is Get restricted to GRANULARITY-aligned offsets (spec §4.2
// "Request"). Misalignment is a programming error and is fatal.
func (r *Registry) Request(m *Map, off int64) (*View, uintptr, bool, error) {
	if off != alignDown(off) {
		invariant("Request: offset %#x is not GRANULARITY-aligned", off)
	}
	return r.Get(m, off)
}

// Release returns a hold obtained from Get/Create/Request, updating the
// view's Valid/Dirty/mapped_count flags (spec §4.2 "Release").
//
//   - valid is OR'd with the view's current Valid flag: callers pass the
//     logical OR of their own knowledge and the current value.
//   - If nowDirty and the view was not already dirty, it is marked dirty.
//   - If mappedInc, mapped_count is incremented (and, on a 0→1
//     transition, an extra ref_count unit is taken).
//   - Finally, the caller's own hold is dropped.
func (r *Registry) Release(m *Map, v *View, valid, nowDirty, mappedInc bool) {
	r.registryMu.Lock()
	m.mu.Lock()
	v.valid = v.valid || valid
	becameDirty := false
	if nowDirty && !v.dirty {
		r.markDirtyLocked(m, v)
		becameDirty = true
	}
	m.mu.Unlock()
	r.registryMu.Unlock()

	if becameDirty {
		// "schedule the lazy writer if it is not already scanning"
		// (spec §4.5), done here, after both locks are released.
		r.lw.kick()
	}

	if mappedInc {
		v.incMapped()
	}
	v.decRef()
}

// Unmap releases a previously mapped_count-incremented hold on the view
// at off (spec §4.2 "Unmap"). It is an error if no view exists there.
func (r *Registry) Unmap(m *Map, off int64, nowDirty bool) error {
	v, ok := r.Lookup(m, off)
	if !ok {
		return newErr("Unmap", NotFound, fmt.Errorf("no view at offset %#x", off))
	}
	v.decMapped()
	r.Release(m, v, v.Valid(), nowDirty, false)
	return nil
}

// MarkDirtyByOffset marks the view at off dirty (spec §4.2
// "MarkDirtyByOffset"). Absence of the view is a fatal bug: callers
// promise the view already exists.
func (r *Registry) MarkDirtyByOffset(m *Map, off int64) {
	v, ok := r.Lookup(m, off)
	if !ok {
		invariant("MarkDirtyByOffset: no view at offset %#x, but caller promised one exists", off)
	}
	r.Release(m, v, v.Valid(), true, false)
}
