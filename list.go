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

// lruList and dirtyList are intrusive doubly-linked lists over *View,
// grounded on the intrusive-list discipline of gvisor's pkg/ilist (used
// throughout pkg/sentry/fs/fsutil, e.g. cache_reclaim.go's LruManager):
// holding a node in one of these lists *is* holding the corresponding
// reference (spec §9). The list operations themselves never touch
// ref_count: their callers (createView, markDirtyLocked, and the callers
// of unmarkDirtyLocked, trimPhaseA and teardown) adjust it alongside each
// membership change.
//
// Each is specialized rather than written once generically because a View
// is a member of both lists simultaneously with independent link fields;
// spec §3 requires exactly this ("List hooks: position in owning map's
// ordered list; position in global LRU; position in global dirty list").

type lruList struct {
	head, tail *View
	len        int
}

func (l *lruList) pushBack(v *View) {
	if v.lruLinked {
		invariant("lruList.pushBack: view at offset %#x already linked", v.fileOffset)
	}
	v.lruPrev, v.lruNext = l.tail, nil
	if l.tail != nil {
		l.tail.lruNext = v
	} else {
		l.head = v
	}
	l.tail = v
	v.lruLinked = true
	l.len++
}

func (l *lruList) remove(v *View) {
	if !v.lruLinked {
		return
	}
	if v.lruPrev != nil {
		v.lruPrev.lruNext = v.lruNext
	} else {
		l.head = v.lruNext
	}
	if v.lruNext != nil {
		v.lruNext.lruPrev = v.lruPrev
	} else {
		l.tail = v.lruPrev
	}
	v.lruPrev, v.lruNext = nil, nil
	v.lruLinked = false
	l.len--
}

// moveToBack relinks v at the tail, used on every Get hit and on
// mark-dirty (spec §4.3).
func (l *lruList) moveToBack(v *View) {
	l.remove(v)
	l.pushBack(v)
}

func (l *lruList) front() *View { return l.head }

type dirtyList struct {
	head, tail *View
	len        int
}

func (l *dirtyList) pushBack(v *View) {
	if v.dirtyLinked {
		invariant("dirtyList.pushBack: view at offset %#x already linked", v.fileOffset)
	}
	v.dirtyPrev, v.dirtyNext = l.tail, nil
	if l.tail != nil {
		l.tail.dirtyNext = v
	} else {
		l.head = v
	}
	l.tail = v
	v.dirtyLinked = true
	l.len++
}

func (l *dirtyList) remove(v *View) {
	if !v.dirtyLinked {
		return
	}
	if v.dirtyPrev != nil {
		v.dirtyPrev.dirtyNext = v.dirtyNext
	} else {
		l.head = v.dirtyNext
	}
	if v.dirtyNext != nil {
		v.dirtyNext.dirtyPrev = v.dirtyPrev
	} else {
		l.tail = v.dirtyPrev
	}
	v.dirtyPrev, v.dirtyNext = nil, nil
	v.dirtyLinked = false
	l.len--
}

func (l *dirtyList) front() *View { return l.head }
