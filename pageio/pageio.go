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

// Package pageio implements the narrow physical-page / kernel-VA-mapping
// interface that the view cache consumes from the memory manager (spec §6,
// "Memory manager interfaces"). It is the only place in the repository that
// issues raw mmap/mprotect/munmap syscalls.
//
// A Region is a GRANULARITY-sized kernel VA reservation, backed here by one
// anonymous mmap. CommitPage/PageOut model the physical memory manager's
// page lifecycle on top of that single mapping by toggling per-page
// protection and advice: committing a page (CommitPage) makes it
// PROT_READ|PROT_WRITE, paging it out (PageOut) drops it to PROT_NONE and
// advises the kernel to drop its backing RAM (MADV_DONTNEED) while leaving
// the VA mapping itself intact, exactly as spec §4.6 phase A requires
// ("page-out... releases RAM even though the view structure lives on").
package pageio

import (
	"fmt"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// Consumer identifies the memory-pressure accounting class a page was
// charged against, mirroring the MC_CACHE consumer class the original
// registers with MmInitializeMemoryConsumer.
type Consumer int

const (
	// ConsumerCache is the only consumer class the view cache uses.
	ConsumerCache Consumer = iota
)

// Region is a reserved, page-aligned kernel VA range of exactly
// GRANULARITY bytes. Its zero value is not valid; obtain one from
// Source.ReserveVA.
type Region struct {
	mem []byte
}

// NewRegion wraps an already-allocated byte slice as a Region without
// going through a Source. It exists for Source implementations and test
// doubles that back a Region with something other than a real mmap (for
// example an in-memory []byte); production code obtains Regions from
// Source.ReserveVA instead.
func NewRegion(buf []byte) Region {
	return Region{mem: buf}
}

// Base returns the stable base address of the region's mapping.
func (r Region) Base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafeBase(r.mem))
}

// Bytes exposes the region's backing memory directly; callers use this to
// copy file data in/out of a view in place.
func (r Region) Bytes() []byte {
	return r.mem
}

// Valid reports whether the region holds a live mapping.
func (r Region) Valid() bool {
	return r.mem != nil
}

// Source is the capability interface the view cache consumes from the
// memory manager. Implementations must be safe for concurrent use; the
// cache never holds its own locks across a call into Source.
type Source interface {
	// ReserveVA reserves a fresh, zero-filled VA region of size bytes
	// (always GRANULARITY in practice). Failure is reportable
	// (spec §7 OutOfResources), not fatal.
	ReserveVA(size int) (Region, error)

	// ReleaseVA tears down a region reserved by ReserveVA. Must only be
	// called once the region holds no committed pages.
	ReleaseVA(r Region) error

	// CommitPage makes the page at byte offset off within r present and
	// read/write, charged against consumer. The memory manager's
	// contract guarantees success here once VA reservation succeeded
	// (spec §4.2 step 2); a failure at this step is fatal.
	CommitPage(r Region, off int, consumer Consumer) error

	// PageOut evicts the RAM backing the page at byte offset off within
	// r, without releasing the VA mapping.
	PageOut(r Region, off int) error

	// Msync flushes a writable region's dirty pages to whatever the
	// mapping is backed by. The view cache does not rely on this for
	// correctness (writeback goes through the filesystem callback) but
	// issues it as a best-effort hint after a successful FlushOne, the
	// way khaaliswooden-max-go_project's mmap.Sync does for its
	// writable mappings.
	Msync(r Region) error
}

// UnixSource is a Source backed by real mmap(2)/mprotect(2)/munmap(2)
// syscalls via golang.org/x/sys/unix, grounded on the Unix mmap
// implementation in khaaliswooden-max-go_project/pkg/systems/mmap_unix.go
// (unix.Mmap/unix.Munmap/unix.Msync over an anonymous, page-granular
// mapping).
type UnixSource struct {
	pageSize int
}

// NewUnixSource returns a Source whose pages are unix.Getpagesize() bytes.
func NewUnixSource() *UnixSource {
	return &UnixSource{pageSize: unix.Getpagesize()}
}

func (s *UnixSource) PageSize() int { return s.pageSize }

func (s *UnixSource) ReserveVA(size int) (Region, error) {
	if size <= 0 || size%s.pageSize != 0 {
		return Region{}, fmt.Errorf("pageio: ReserveVA(%d): size must be a positive multiple of the page size %d", size, s.pageSize)
	}
	var mem []byte
	op := func() error {
		m, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return err
		}
		mem = m
		return nil
	}
	// VA reservation failure is reportable (spec §7 OutOfResources); retry
	// a bounded number of times against transient ENOMEM before giving up,
	// the way cenkalti/backoff is used elsewhere in the teacher's
	// dependency graph for transient-failure retries.
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, 2)); err != nil {
		return Region{}, fmt.Errorf("pageio: ReserveVA(%d): %w", size, err)
	}
	return Region{mem: mem}, nil
}

func (s *UnixSource) ReleaseVA(r Region) error {
	if !r.Valid() {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("pageio: ReleaseVA: %w", err)
	}
	return nil
}

func (s *UnixSource) CommitPage(r Region, off int, _ Consumer) error {
	if err := s.checkOffset(r, off); err != nil {
		return err
	}
	page := r.mem[off : off+s.pageSize]
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		// The memory manager contract guarantees success here once VA
		// reservation succeeded; a failure is an invariant violation
		// (spec §4.2 step 2), not an ordinary error.
		panic(fmt.Sprintf("pageio: CommitPage: mprotect failed after successful ReserveVA: %v", err))
	}
	// Anonymous pages are already zero on first touch; MADV_DONTNEED on a
	// previously paged-out page restores that guarantee without a fresh
	// mapping (matches the physical memory manager's zero-fill contract).
	for i := range page {
		page[i] = 0
	}
	return nil
}

func (s *UnixSource) PageOut(r Region, off int) error {
	if err := s.checkOffset(r, off); err != nil {
		return err
	}
	page := r.mem[off : off+s.pageSize]
	if err := unix.Mprotect(page, unix.PROT_NONE); err != nil {
		return fmt.Errorf("pageio: PageOut: %w", err)
	}
	if err := unix.Madvise(page, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("pageio: PageOut: %w", err)
	}
	return nil
}

func (s *UnixSource) Msync(r Region) error {
	if !r.Valid() {
		return nil
	}
	return unix.Msync(r.mem, unix.MS_SYNC)
}

func (s *UnixSource) checkOffset(r Region, off int) error {
	if !r.Valid() {
		return fmt.Errorf("pageio: operation on invalid region")
	}
	if off < 0 || off >= len(r.mem) || off%s.pageSize != 0 {
		return fmt.Errorf("pageio: offset %d is not a valid page offset into a %d-byte region", off, len(r.mem))
	}
	return nil
}
