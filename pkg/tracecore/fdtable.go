// Copyright 2018 The gVisor Authors.
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

package tracecore

import "github.com/opentracee/rrcore/internal/tlog"

// fdEntry records what this package knows about one of a tracee's open
// file descriptors: enough for DidWrite's byte-range bookkeeping (spec.md
// §6's FdTableContract), not a full file-description model (that lives in
// the out-of-scope mapping database, spec.md §1).
type fdEntry struct {
	ranges []ByteRange
}

// FdTable is a tracee's file-descriptor table, potentially shared by
// several Tasks (spec.md §3, §6's FdTableContract).
type FdTable struct {
	entries map[int32]*fdEntry

	syscallbufFDsDisabled bool
}

// NewFdTable constructs an empty FdTable.
func NewFdTable() *FdTable {
	return &FdTable{entries: make(map[int32]*fdEntry)}
}

// DidDup records that fd `to` now aliases the same open file description as
// `from` (spec.md §6).
func (f *FdTable) DidDup(from, to int32) {
	if e, ok := f.entries[from]; ok {
		cp := *e
		cp.ranges = append([]ByteRange(nil), e.ranges...)
		f.entries[to] = &cp
		return
	}
	f.entries[to] = &fdEntry{}
}

// DidClose forgets fd.
func (f *FdTable) DidClose(fd int32) {
	delete(f.entries, fd)
}

// DidWrite records that a write to fd touched the given byte ranges at
// offset (spec.md §6: "did_write(fd, ranges, offset)").
func (f *FdTable) DidWrite(fd int32, ranges []ByteRange, offset int64) {
	e, ok := f.entries[fd]
	if !ok {
		e = &fdEntry{}
		f.entries[fd] = e
	}
	for _, r := range ranges {
		e.ranges = append(e.ranges, ByteRange{Start: r.Start + uint64(offset), End: r.End + uint64(offset)})
	}
}

// CloneInto copies this table's entries into dst, the behavior used when a
// clone_task does not share CLONE_SHARE_FILES (spec.md §4.4: "else copy").
func (f *FdTable) CloneInto(dst *FdTable) {
	for fd, e := range f.entries {
		cp := *e
		cp.ranges = append([]ByteRange(nil), e.ranges...)
		dst.entries[fd] = &cp
	}
}

// InitSyscallbufFDsDisabled marks the desched/cloned-file-data fds as not
// yet installed, the state a freshly exec'd or spawned tracee starts in
// before the preload library registers them (spec.md §6).
func (f *FdTable) InitSyscallbufFDsDisabled() {
	f.syscallbufFDsDisabled = true
}

// warnUnknownFD is a small helper callers in clone.go use when they expect
// an fd to already be tracked.
func (f *FdTable) warnUnknownFD(fd int32) {
	if _, ok := f.entries[fd]; !ok {
		tlog.Debugf("fd table: operation on untracked fd %d", fd)
	}
}
