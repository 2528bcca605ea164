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
	"sync/atomic"

	"github.com/viewcache/viewcache/config"
	"github.com/viewcache/viewcache/pageio"
)

// View is one GRANULARITY-sized, page-aligned mapping of a file region
// (spec §3, "View (V)"). Its refCount/mappedCount/pinCount are mutated
// only with atomics (spec §5, "per_view_atomic"); valid/dirty are mutated
// with both registryMu and the owning Map's lock held, and LRU/dirty-list
// links under registryMu.
type View struct {
	owner      *Map
	fileOffset int64 // always a multiple of config.Granularity
	region     pageio.Region

	// refCount, mappedCount, pinCount: atomically mutated. See §3 for
	// the invariants relating them (dirty⇒ref≥1, mapped>0⇒ref≥2).
	refCount    int32
	mappedCount int32
	pinCount    int32

	valid bool
	dirty bool

	// LRU and dirty-list link fields (lruList/dirtyList in list.go).
	lruPrev, lruNext     *View
	lruLinked            bool
	dirtyPrev, dirtyNext *View
	dirtyLinked          bool

	// leak debug ring, populated only when built with viewcache_refdebug
	// (SPEC_FULL.md SUPPLEMENTED FEATURES item 1).
	refTrace refTraceRing
}

// FileOffset returns the view's aligned file offset.
func (v *View) FileOffset() int64 { return v.fileOffset }

// BaseAddr returns the view's stable kernel VA base address.
func (v *View) BaseAddr() uintptr { return v.region.Base() }

// Bytes exposes the view's mapped memory for in-place copy-in/copy-out by
// the (out-of-scope, spec §1) read/write dispatch path.
func (v *View) Bytes() []byte { return v.region.Bytes() }

// Valid reports whether the view's contents reflect committed file data
// for its whole range (spec §3). Only meaningful while the caller holds a
// reference obtained from Get/Request.
func (v *View) Valid() bool { return v.valid }

// Dirty reports whether the view's contents differ from backing store.
func (v *View) Dirty() bool { return v.dirty }

// RefCount returns the current exclusive reference count. Exposed for
// diagnostics and tests; not meaningful as a basis for further decisions
// without a lock, per spec §5 ("Counts read without a lock are advisory").
func (v *View) RefCount() int32 { return atomic.LoadInt32(&v.refCount) }

// MappedCount returns the current count of outstanding external mappings.
func (v *View) MappedCount() int32 { return atomic.LoadInt32(&v.mappedCount) }

// PinCount returns the liveness-only pin count (spec §3: "reserved for
// the pin-buffer layer (external); core treats it as a liveness indicator
// only"). viewcache never increments it itself; it exists so an external
// pin-buffer layer can be grafted on without changing View's shape.
func (v *View) PinCount() int32 { return atomic.LoadInt32(&v.pinCount) }

func (v *View) incRef() {
	atomic.AddInt32(&v.refCount, 1)
	v.refTrace.record("incRef")
}

// decRef drops one reference. When the count reaches zero it runs the
// internal free path (spec §4.4): free preconditions are asserted, the
// mapping is torn down, the structure is poisoned and returned to the
// pool. Callers must have already unlinked v from every list before a
// decRef that they expect to be the last one (spec §3, "not being on any
// list"); decRef itself never touches list membership.
func (v *View) decRef() {
	v.refTrace.record("decRef")
	if n := atomic.AddInt32(&v.refCount, -1); n == 0 {
		v.owner.registry.freeView(v)
	} else if n < 0 {
		invariant("View(offset=%#x).decRef: ref_count underflowed", v.fileOffset)
	}
}

// incMapped increments mapped_count; if the transition is 0→1 it also
// takes the extra ref_count unit spec §3 requires ("mapped_count > 0 ⇒
// ref_count ≥ 2"). Returns whether the extra ref was taken.
func (v *View) incMapped() (tookExtraRef bool) {
	for {
		old := atomic.LoadInt32(&v.mappedCount)
		if !atomic.CompareAndSwapInt32(&v.mappedCount, old, old+1) {
			continue
		}
		if old == 0 {
			v.incRef()
			return true
		}
		return false
	}
}

// decMapped decrements mapped_count; if the transition is 1→0 it drops
// the extra ref_count unit that incMapped added. Returns whether a ref
// was dropped (the caller must still separately decRef its own hold).
func (v *View) decMapped() (droppedExtraRef bool) {
	for {
		old := atomic.LoadInt32(&v.mappedCount)
		if old <= 0 {
			invariant("View(offset=%#x).decMapped: mapped_count underflowed", v.fileOffset)
		}
		if !atomic.CompareAndSwapInt32(&v.mappedCount, old, old-1) {
			continue
		}
		if old == 1 {
			v.decRef()
			return true
		}
		return false
	}
}

// free tears down the view's mapping and poisons the structure;
// Registry.freeView then returns it to the registry's pool. It must only
// be called (via freeView) by decRef once ref_count has reached zero.
func (v *View) free() {
	if v.dirty || v.mappedCount != 0 || v.pinCount != 0 || v.lruLinked || v.dirtyLinked {
		invariant("View(offset=%#x).free: free preconditions violated: dirty=%v mapped=%d pin=%d lruLinked=%v dirtyLinked=%v",
			v.fileOffset, v.dirty, v.mappedCount, v.pinCount, v.lruLinked, v.dirtyLinked)
	}
	src := v.owner.registry.pageSource
	if v.region.Valid() {
		// Release every committed page through the memory manager's
		// consumer interface, then the VA region itself (spec §4.4).
		pageSize := v.owner.registry.pageSize()
		for off := 0; off < config.Granularity; off += pageSize {
			_ = src.PageOut(v.region, off)
		}
		if err := src.ReleaseVA(v.region); err != nil {
			v.owner.registry.logger().WithError(err).Warn("view: failed to release VA region at free")
		}
	}
	poisonView(v)
}
