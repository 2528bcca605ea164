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
	"sync"

	"github.com/viewcache/viewcache/config"
	"github.com/viewcache/viewcache/pageio"
)

// fakeSource is an in-memory pageio.Source: no real mmap, so tests run
// fast and deterministically without depending on the host's VM
// behavior. Each Region wraps its own []byte, exactly as pageio.Region
// does over a real mmap.
type fakeSource struct {
	mu        sync.Mutex
	failNextReserve bool
	committed map[*fakeRegionKey]bool
}

type fakeRegionKey struct{}

func newFakeSource() *fakeSource {
	return &fakeSource{committed: make(map[*fakeRegionKey]bool)}
}

func (s *fakeSource) PageSize() int { return 4096 }

func (s *fakeSource) ReserveVA(size int) (pageio.Region, error) {
	s.mu.Lock()
	fail := s.failNextReserve
	s.failNextReserve = false
	s.mu.Unlock()
	if fail {
		return pageio.Region{}, fmt.Errorf("fakeSource: simulated ReserveVA failure")
	}
	return pageio.NewRegion(make([]byte, size)), nil
}

func (s *fakeSource) ReleaseVA(r pageio.Region) error { return nil }

func (s *fakeSource) CommitPage(r pageio.Region, off int, _ pageio.Consumer) error {
	page := r.Bytes()[off : off+s.PageSize()]
	for i := range page {
		page[i] = 0
	}
	return nil
}

func (s *fakeSource) PageOut(r pageio.Region, off int) error {
	page := r.Bytes()[off : off+s.PageSize()]
	for i := range page {
		page[i] = 0xCC // poison so a stray read-after-pageout stands out
	}
	return nil
}

func (s *fakeSource) Msync(r pageio.Region) error { return nil }

// fakeFile is a viewcache.File + viewcache.Callbacks double backed by an
// in-memory byte slice instead of a real file on disk.
type fakeFile struct {
	id        string
	temporary bool

	mu       sync.Mutex
	data     map[int64][]byte // aligned offset -> GRANULARITY bytes
	writeErr error            // if set, WriteBack always fails with this
	acquireMu sync.Mutex
	writeCount int
}

func newFakeFile(id string) *fakeFile {
	return &fakeFile{id: id, data: make(map[int64][]byte)}
}

func (f *fakeFile) ID() string      { return f.id }
func (f *fakeFile) Temporary() bool { return f.temporary }

func (f *fakeFile) AcquireForLazyWrite(writerCtx any, wait bool) bool {
	if wait {
		f.acquireMu.Lock()
		return true
	}
	return f.acquireMu.TryLock()
}

func (f *fakeFile) ReleaseFromLazyWrite(writerCtx any) {
	f.acquireMu.Unlock()
}

func (f *fakeFile) WriteBack(file File, offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCount++
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[offset] = cp
	return nil
}

func (f *fakeFile) writesSeen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCount
}

func newTestRegistry() (*Registry, *fakeSource) {
	src := newFakeSource()
	r := NewRegistry(src)
	return r, src
}

func newTestMap(t testingT, r *Registry, id string, sectionSize int64) (*Map, *fakeFile) {
	f := newFakeFile(id)
	h, err := r.InitializeFileCache(f, Sizes{FileSize: sectionSize, SectionSize: sectionSize}, nil, f, nil)
	if err != nil {
		t.Fatalf("InitializeFileCache: %v", err)
	}
	return h.Map(), f
}

// testingT is the subset of *testing.T this file's helpers need, so they
// can be shared by any _test.go file in the package without importing
// "testing" here.
type testingT interface {
	Fatalf(format string, args ...any)
}

const granularity = config.Granularity
