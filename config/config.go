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

// Package config holds the view cache's compile-time and runtime-mutable
// configuration (spec §6, "Configuration").
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tailscale/hujson"
)

const (
	// Granularity is the fixed view size. It must be a multiple of
	// PageSize (spec §6). 256 KiB matches the "typical" value spec.md
	// names; it is compile-time because every view's mapping is sized
	// against it.
	Granularity = 256 * 1024

	// DefaultPageSize is used when a pageio.Source does not report its
	// own page size (tests may stub this); production code asks the
	// real Source instead.
	DefaultPageSize = 4096

	// PagesPerView is GRANULARITY/PAGE_SIZE, the unit flush/trim
	// accounting is denominated in throughout spec §§4.5-4.6.
	PagesPerView = Granularity / DefaultPageSize
)

// Runtime holds the mutable knobs of spec §6: dirty_page_threshold is
// "readable/writable at runtime"; LazyWriterInterval paces the background
// lazy writer (spec glossary, "Lazy writer"). Both fields are accessed
// through atomic helpers so readers never need Runtime's creator's lock.
type Runtime struct {
	dirtyPageThreshold atomic.Uint64
	lazyWriterInterval atomic.Int64 // time.Duration, nanoseconds
}

// NewRuntime returns a Runtime with sane defaults.
func NewRuntime() *Runtime {
	r := &Runtime{}
	r.dirtyPageThreshold.Store(4096) // 4096 pages ~= 16MiB at 4K pages
	r.lazyWriterInterval.Store(int64(4 * time.Second))
	return r
}

// DirtyPageThreshold returns the current admission-control input. The core
// exposes it but, per spec §1, throttling dirty-page producers is the
// producer's job, not the cache's.
func (r *Runtime) DirtyPageThreshold() uint64 {
	return r.dirtyPageThreshold.Load()
}

// SetDirtyPageThreshold updates the threshold at runtime.
func (r *Runtime) SetDirtyPageThreshold(v uint64) {
	r.dirtyPageThreshold.Store(v)
}

// LazyWriterInterval returns how often the background lazy writer scans
// the dirty list when it is not woken early by MarkDirty (spec §4.5,
// "schedule the lazy writer if it is not already scanning").
func (r *Runtime) LazyWriterInterval() time.Duration {
	return time.Duration(r.lazyWriterInterval.Load())
}

// SetLazyWriterInterval updates the lazy writer's scan period.
func (r *Runtime) SetLazyWriterInterval(d time.Duration) {
	r.lazyWriterInterval.Store(int64(d))
}

// file is the on-disk shape of an optional hujson config file; JSON with
// comments, the same tolerant format calvinalkan-agent-task reads its own
// config with via github.com/tailscale/hujson.
type file struct {
	DirtyPageThresholdPages uint64 `json:"dirtyPageThresholdPages,omitempty"`
	LazyWriterIntervalMS    int64  `json:"lazyWriterIntervalMs,omitempty"`
}

// LoadFile applies overrides from a hujson (JSON-with-comments) config
// file onto r. A missing path is not an error; callers pass an empty path
// to skip loading entirely.
func LoadFile(path string, r *Runtime) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	var f file
	if err := json.Unmarshal(std, &f); err != nil {
		return fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if f.DirtyPageThresholdPages != 0 {
		r.SetDirtyPageThreshold(f.DirtyPageThresholdPages)
	}
	if f.LazyWriterIntervalMS != 0 {
		r.SetLazyWriterInterval(time.Duration(f.LazyWriterIntervalMS) * time.Millisecond)
	}
	return nil
}
