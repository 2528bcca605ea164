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

package backingfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewcache/viewcache"
)

func TestWriteBackThenReadIntoRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	f, err := Open(path, "data", false, false)
	require.NoError(t, err)
	defer f.Close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, f.WriteBack(f, 0, payload))

	got := make([]byte, len(payload))
	require.NoError(t, f.ReadInto(got, 0))
	require.Equal(t, payload, got)
}

func TestReadIntoZeroFillsPastEndOfFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.bin")
	f, err := Open(path, "short", false, false)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteBack(f, 0, []byte{1, 2, 3, 4}))

	buf := make([]byte, 16)
	require.NoError(t, f.ReadInto(buf, 0))
	require.Equal(t, []byte{1, 2, 3, 4}, buf[:4])
	for _, b := range buf[4:] {
		require.EqualValues(t, 0, b)
	}
}

func TestReadOnlyFileReportsWriteProtected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f, err := Open(path, "ro", false, true)
	require.NoError(t, err)
	defer f.Close()

	err = f.WriteBack(f, 0, []byte{1})
	require.ErrorIs(t, err, viewcache.ErrWriteProtected)
}

func TestAcquireForLazyWriteNonBlockingFailsWhenHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.bin")
	f, err := Open(path, "lock", false, false)
	require.NoError(t, err)
	defer f.Close()

	require.True(t, f.AcquireForLazyWrite(nil, true))
	require.False(t, f.AcquireForLazyWrite(nil, false), "a second non-waiting acquire must fail while held")
	f.ReleaseFromLazyWrite(nil)
	require.True(t, f.AcquireForLazyWrite(nil, false))
	f.ReleaseFromLazyWrite(nil)
}

func TestCheckpointPublishesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.bin")
	f, err := Open(path, "live", false, false)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteBack(f, 0, []byte("hello")))

	snap := filepath.Join(dir, "snapshot.bin")
	require.NoError(t, f.Checkpoint(snap))

	got, err := os.ReadFile(snap)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}
