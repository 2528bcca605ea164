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

//go:build viewcache_refdebug

package viewcache

import (
	"fmt"
	"runtime"
	"sync"
)

// refDebugDepth bounds the ring so a hot view's trace never grows
// unbounded; only the most recent call sites matter for diagnosing a
// leak at teardown.
const refDebugDepth = 16

// refTraceRing is the debug-build call-site log described in
// SPEC_FULL.md SUPPLEMENTED FEATURES item 1, grounded directly on
// ntoskrnl/cc/view.c's CcRosVacbIncRefCount_(vacb, file, line) and
// CcRosVacbDecRefCount_(vacb, file, line): every ref mutation records its
// caller, and Registry.DumpLeaks lists the recorded call sites of every
// view still indexed by a registered map.
type refTraceRing struct {
	mu      sync.Mutex
	entries [refDebugDepth]string
	next    int
}

func (r *refTraceRing) record(op string) {
	_, file, line, _ := runtime.Caller(2)
	r.mu.Lock()
	r.entries[r.next%refDebugDepth] = fmt.Sprintf("%s at %s:%d", op, file, line)
	r.next++
	r.mu.Unlock()
}

func (r *refTraceRing) dump() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if n > refDebugDepth {
		n = refDebugDepth
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + refDebugDepth) % refDebugDepth
		if r.entries[idx] != "" {
			out = append(out, r.entries[idx])
		}
	}
	return out
}
