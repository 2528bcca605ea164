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
	"sync"
	"time"
)

// lazyWriter is the background scan spec glossary's "Lazy writer" entry
// describes: it periodically calls FlushDirty on its own, and can be woken
// early by MarkDirty so a burst of newly dirtied pages doesn't sit idle
// for a full interval (spec §4.5, "schedule the lazy writer if it is not
// already scanning").
type lazyWriter struct {
	r *Registry

	wake     chan struct{}
	scanning chan struct{} // non-nil buffered slot: "already scanning" token
	stopC    chan struct{}
	done     chan struct{}

	once sync.Once
}

func newLazyWriter(r *Registry) *lazyWriter {
	return &lazyWriter{
		r:        r,
		wake:     make(chan struct{}, 1),
		scanning: make(chan struct{}, 1),
		stopC:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (lw *lazyWriter) start() {
	go lw.run()
}

func (lw *lazyWriter) stop() {
	lw.once.Do(func() { close(lw.stopC) })
	<-lw.done
}

// kick schedules an early scan unless one is already pending or in
// flight, matching "if it is not already scanning" from spec §4.5: a
// burst of MarkDirty calls between two ticks collapses to a single extra
// wake-up rather than queuing one per call.
func (lw *lazyWriter) kick() {
	if len(lw.scanning) > 0 {
		return // a scan is already in flight
	}
	select {
	case lw.wake <- struct{}{}:
	default:
	}
}

func (lw *lazyWriter) run() {
	defer close(lw.done)
	for {
		interval := lw.r.Runtime().LazyWriterInterval()
		timer := time.NewTimer(interval)
		select {
		case <-lw.stopC:
			timer.Stop()
			return
		case <-lw.wake:
			timer.Stop()
		case <-timer.C:
		}
		lw.scanOnce()
	}
}

func (lw *lazyWriter) scanOnce() {
	select {
	case lw.scanning <- struct{}{}:
	default:
		// A scan is already running on another goroutine (there is at
		// most one in practice since run() is single-threaded, but the
		// token keeps the invariant explicit for kick()'s doc comment).
		return
	}
	defer func() { <-lw.scanning }()

	defer func() {
		if rec := recover(); rec != nil {
			lw.r.log.WithField("recovered", rec).
				Error("lazyWriter: scan panicked; continuing on next tick")
		}
	}()

	threshold := int64(lw.r.Runtime().DirtyPageThreshold())
	dirty := int64(lw.r.DirtyPages())
	if dirty <= threshold {
		return
	}
	written := lw.r.FlushDirty(dirty-threshold, false, true)
	if written > 0 {
		lw.r.log.WithField("pagesWritten", written).Debug("lazyWriter: scan flushed dirty pages")
	}
}
