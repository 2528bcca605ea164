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

// Package backingfs is a minimal on-disk viewcache.File/viewcache.Callbacks
// implementation, standing in for the real filesystem the original NT
// cache manager sits in front of. It exists so tests and the
// viewcachectl demo command have something concrete to flush views
// against.
package backingfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	natomic "github.com/natefinch/atomic"

	"github.com/viewcache/viewcache"
)

// File is a single backing file on disk, opened for random-access
// read/write. It implements both viewcache.File (identity) and
// viewcache.Callbacks (the write-back path).
type File struct {
	path      string
	id        string
	temporary bool
	readOnly  bool

	fh *os.File

	// writeMu stands in for the original's per-file lazy-write resource:
	// AcquireForLazyWrite/ReleaseFromLazyWrite serialize WriteBack calls
	// against each other and against any foreground writer that chooses
	// to hold it too.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) path as a backing file identified by
// id. A temporary file is skipped by the lazy writer (spec §4.5 step 2).
func Open(path, id string, temporary, readOnly bool) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	fh, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backingfs: open %s: %w", path, err)
	}
	return &File{path: path, id: id, temporary: temporary, readOnly: readOnly, fh: fh}, nil
}

// ID implements viewcache.File.
func (f *File) ID() string { return f.id }

// Temporary implements viewcache.File.
func (f *File) Temporary() bool { return f.temporary }

// Size returns the file's current length.
func (f *File) Size() (int64, error) {
	st, err := f.fh.Stat()
	if err != nil {
		return 0, fmt.Errorf("backingfs: stat %s: %w", f.path, err)
	}
	return st.Size(), nil
}

// ReadInto fills dst from the backing file at offset, for hydrating a
// freshly created, !Valid view (spec §4.2 "Get": a miss "triggers a
// read-in the caller must perform"). Short reads past end-of-file are
// zero-filled, matching a sparse file's semantics.
func (f *File) ReadInto(dst []byte, offset int64) error {
	n, err := f.fh.ReadAt(dst, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("backingfs: read %s at %#x: %w", f.path, offset, err)
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// AcquireForLazyWrite implements viewcache.Callbacks.
func (f *File) AcquireForLazyWrite(writerCtx any, wait bool) bool {
	if wait {
		f.writeMu.Lock()
		return true
	}
	return f.writeMu.TryLock()
}

// ReleaseFromLazyWrite implements viewcache.Callbacks.
func (f *File) ReleaseFromLazyWrite(writerCtx any) {
	f.writeMu.Unlock()
}

// WriteBack implements viewcache.Callbacks by writing data in place at
// offset. A read-only File reports ErrWriteProtected, one of the two
// "non-retriable but non-fatal" outcomes FlushDirty still counts toward
// its target (spec §7).
func (f *File) WriteBack(file viewcache.File, offset int64, data []byte) error {
	if f.readOnly {
		return fmt.Errorf("backingfs: %s is read-only: %w", f.path, viewcache.ErrWriteProtected)
	}
	if _, err := f.fh.WriteAt(data, offset); err != nil {
		return fmt.Errorf("backingfs: write %s at %#x: %w", f.path, offset, err)
	}
	return nil
}

// Checkpoint publishes the backing file's current on-disk contents to
// snapshotPath as a single atomic replace, grounded on
// github.com/natefinch/atomic's rename-based API: a reader of
// snapshotPath never observes a partially written checkpoint, unlike the
// in-place WriteAt calls WriteBack issues for ordinary flush traffic.
func (f *File) Checkpoint(snapshotPath string) error {
	if err := f.fh.Sync(); err != nil {
		return fmt.Errorf("backingfs: sync %s: %w", f.path, err)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("backingfs: read %s for checkpoint: %w", f.path, err)
	}
	if err := natomic.WriteFile(snapshotPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("backingfs: checkpoint %s: %w", snapshotPath, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (f *File) Close() error {
	return f.fh.Close()
}
