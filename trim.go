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

import "sync/atomic"

// Trim reclaims cache memory under pressure (spec §4.6 "Trim"). It walks
// the global LRU head→tail, paging out the physical pages of clean
// mapped views and evicting views that nothing besides list membership
// still references, with one bounded retry through the dirty/flush
// engine if phase A alone does not reach targetPages.
func (r *Registry) Trim(targetPages int64) int64 {
	freed := r.trimPhaseA(targetPages)
	if freed >= targetPages {
		return freed
	}

	remaining := targetPages - freed
	written := r.FlushDirty(remaining, false, false)
	if written > 0 {
		// "go back to Phase A once (only once)", capped at what
		// flushing actually produced (spec §4.6 phase B).
		retryTarget := written
		if retryTarget > remaining {
			retryTarget = remaining
		}
		freed += r.trimPhaseA(retryTarget)
	}
	return freed
}

// trimPhaseA implements spec §4.6 phase A and its finalize step. It
// returns the number of pages freed.
func (r *Registry) trimPhaseA(targetPages int64) int64 {
	var freeList []*View
	var freedPages int64
	pages := pagesPerView(r.pageSize())

	r.registryMu.Lock()
	v := r.lru.front()
	r.registryMu.Unlock()

	for v != nil && freedPages < targetPages {
		v.incRef() // pin v alive across the unlocked page-out callout.

		if v.MappedCount() > 0 && !v.Dirty() {
			r.pageOutView(v)
		}

		r.registryMu.Lock()
		n := atomic.AddInt32(&v.refCount, -1)
		if n < 0 {
			invariant("Trim: view at offset %#x ref_count underflowed during phase A", v.fileOffset)
		}
		next := v.lruNext

		if n < 2 {
			m := v.owner
			m.mu.Lock()
			m.views.Delete(v)
			m.activeViews--
			m.mu.Unlock()
			r.lru.remove(v)
			freeList = append(freeList, v)
			freedPages += pages
		}
		r.registryMu.Unlock()

		v = next
	}

	// Finalize: drop the last reference from each evicted view. A view
	// that reaches ref_count=0 is freed, and View.free's invariant checks
	// assert its free preconditions; a view some other holder still
	// references is not freed here.
	for _, ev := range freeList {
		ev.decRef()
	}

	return freedPages
}

// pageOutView pages out every physical page backing v without releasing
// its VA mapping (spec §4.6 phase A step 2): "this is what actually
// releases RAM even though the view structure lives on".
func (r *Registry) pageOutView(v *View) {
	ps := r.pageSize()
	for off := 0; off < len(v.Bytes()); off += ps {
		if err := r.pageSource.PageOut(v.region, off); err != nil {
			r.log.WithField("offset", v.fileOffset).WithError(err).
				Warn("Trim: PageOut failed; leaving page committed")
		}
	}
}
