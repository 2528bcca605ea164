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

import "github.com/viewcache/viewcache/pageio"

// poisonView scribbles a freed view's bookkeeping fields so that a stray
// pointer held past free (a use-after-free) trips on nonsense data rather
// than silently reading stale state (spec §4.4, "scribbles the structure
// with a poison pattern for debuggability").
func poisonView(v *View) {
	v.owner = nil
	v.fileOffset = poisonOffset
	v.region = pageio.Region{}
	v.refCount = poisonRef
	v.valid = false
	v.dirty = false
}

const (
	poisonOffset = -0x4b6f444d // "dead" shaped sentinel, read as a nonsense offset
	poisonRef    = -0x6b6f     // negative refcount, trips the RefCount()<0 class of bugs immediately
)

// LeakReport describes one live, still-referenced view as surfaced by
// Registry.DumpLeaks (SPEC_FULL.md SUPPLEMENTED FEATURES item 1).
type LeakReport struct {
	FileID   string
	Offset   int64
	RefCount int32
	Trace    []string // empty unless built with the viewcache_refdebug tag
}

// DumpLeaks walks every view currently indexed by every open map and
// reports its reference count together with its debug-build call-site
// ring, the read side of the leak-tracing facility whose write side is
// refTraceRing.record (refdebug_on.go). Only maps still registered are
// walked: teardown empties a map's index and unregisters it, so views of a
// map that has already been torn down are not reported.
func (r *Registry) DumpLeaks() []LeakReport {
	r.registryMu.Lock()
	maps := make([]*Map, 0, len(r.maps))
	for _, m := range r.maps {
		maps = append(maps, m)
	}
	r.registryMu.Unlock()

	var out []LeakReport
	for _, m := range maps {
		m.mu.Lock()
		m.views.Ascend(func(v *View) bool {
			out = append(out, LeakReport{
				FileID:   m.file.ID(),
				Offset:   v.fileOffset,
				RefCount: v.RefCount(),
				Trace:    v.refTrace.dump(),
			})
			return true
		})
		m.mu.Unlock()
	}
	return out
}
