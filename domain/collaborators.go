//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import "io"

// RawMountSource is the kernel-exposed mount table of a given process,
// parsed into records. Implementations read /proc/<pid>/mountinfo or an
// equivalent; the core never opens that file itself.
type RawMountSource interface {
	// MountRecords returns the flat, unlinked record list for pid, in the
	// order the kernel reports them.
	MountRecords(pid uint32) ([]*MountRecord, error)
}

// ImageReader reads back the per-namespace record stream and the secondary
// content-keyed blob store described in spec §6.
type ImageReader interface {
	ReadRecords(nsid int) ([]*MountRecord, error)
	ReadContent(key string) (io.ReadCloser, error)
}

// ImageWriter is the dump-side counterpart of ImageReader.
type ImageWriter interface {
	WriteRecords(nsid int, records []*MountRecord) error
	WriteContent(key string) (io.WriteCloser, error)
}

// Plugin resolves mountpoints whose content or root is externally managed
// and not reconstructible from the source filesystem alone.
type Plugin interface {
	// DumpExtMount is consulted when validation can't find a proper root
	// mount for m. Returning ok=false means "not my mountpoint"; the core
	// then falls back to an external mapping, and fails if that's absent
	// too.
	DumpExtMount(path string, mntID int) (ok bool, err error)

	// RestoreExtMount is the restore-side counterpart: it is asked to
	// furnish content for m at mountpoint mp, rooted "/", with no extra
	// payload.
	RestoreExtMount(mntID int, mountpoint string) error
}

// ErrNotSupported is returned by Plugin implementations (including the
// default declining one) to signal KindPluginDecline.
var ErrNotSupported = NewError("plugin", KindPluginDecline, nil)

// NamespaceDriver is the mount-namespace primitive set the core relies on
// to materialize namespaces in the roots yard and pivot tasks into them:
// create, enter, pivot.
type NamespaceDriver interface {
	Create() (nsid int, err error)
	Enter(nsid int) error
	Pivot(newRoot string) error
}

// Cell is a namespace's cross-task creation-cell synchronization handle
// (§5): it transitions exactly once, from zero to one.
type Cell interface {
	Set()
	Wait()
	Created() bool
}

// Yard is the scratch roots-yard abstraction the restore pipeline needs:
// a per-namespace subtree directory and a per-namespace creation cell.
type Yard interface {
	Subtree(nsid int) (string, error)
	Cell(nsid int) Cell
}
