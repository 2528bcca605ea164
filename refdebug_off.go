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

//go:build !viewcache_refdebug

package viewcache

// refTraceRing is a zero-cost no-op outside the viewcache_refdebug build
// tag. See refdebug_on.go for the real ring buffer, which mirrors
// ntoskrnl/cc/view.c's CcRosVacbIncRefCount_/CcRosVacbDecRefCount_
// file/line tracking (SPEC_FULL.md SUPPLEMENTED FEATURES item 1).
type refTraceRing struct{}

func (*refTraceRing) record(string) {}

func (*refTraceRing) dump() []string { return nil }
