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

// File is the opaque handle identity spec §3 describes as the per-file
// map's "owning file handle (opaque)". Two handles that should share one
// Map must return the same ID.
type File interface {
	// ID uniquely identifies the underlying file within the registry.
	ID() string

	// Temporary reports whether the file is a temporary file; the lazy
	// writer skips dirty views belonging to temporary files (spec §4.5
	// step 2, §8 scenario 5).
	Temporary() bool
}

// Callbacks is the filesystem capability interface the view cache
// consumes (spec §6, "Filesystem callback table (consumed)").
// Implementations must not call back into viewcache from within any of
// these methods.
type Callbacks interface {
	// AcquireForLazyWrite acquires the file for writeback. Returns false
	// iff wait is false and the acquisition would otherwise block.
	AcquireForLazyWrite(writerCtx any, wait bool) bool

	// ReleaseFromLazyWrite releases an acquisition taken by
	// AcquireForLazyWrite.
	ReleaseFromLazyWrite(writerCtx any)

	// WriteBack persists exactly config.Granularity bytes starting at
	// offset to the backing file, from data. It must report failure
	// rather than partially commit.
	WriteBack(file File, offset int64, data []byte) error
}
