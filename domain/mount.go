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

// Package domain holds the data-model entities and collaborator interfaces
// shared by the mount-tree checkpoint/restore engine. Field layout mirrors
// /proc/<pid>/mountinfo, as described here:
// http://man7.org/linux/man-pages/man5/proc.5.html
//
//   36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//   (1)(2)(3)   (4)   (5)      (6)      (7)   (8) (9)   (10)         (11)
//
//    (1) mount ID:  unique identifier of the mount (may be reused after umount)
//    (2) parent ID:  ID of parent (or of self for the top of the mount tree)
//    (3) major:minor:  value of st_dev for files on filesystem
//    (4) root:  root of the mount within the filesystem
//    (5) mount point:  mount point relative to the process's root
//    (6) mount options:  per mount options
//    (7) optional fields:  zero or more fields of the form "tag[:value]"
//    (8) separator:  marks the end of the optional fields
//    (9) filesystem type:  name of filesystem of the form "type[.subtype]"
//    (10) mount source:  filesystem specific information or "none"
//    (11) super options:  per super block options
package domain

// FSCode is a handle into the filesystem registry. FSUnsupported is the
// closed registry's sentinel entry for anything outside the recognized set.
type FSCode int

const (
	FSUnsupported FSCode = iota
	FSTmpfs
	FSProc
	FSSysfs
	FSDevpts
	FSMqueue
	FSCgroup
	FSCgroup2
	FSOverlay
	FSBtrfs
)

// DevID is the (major, minor) pair identifying a backing superblock.
type DevID struct {
	Major uint32
	Minor uint32
}

// MountRecord is the data-model entity: one per observed mount, dump-side
// or restore-side. Graph links are populated by the graph builder and the
// peer/slave/bind collector; they are nil/empty until then.
type MountRecord struct {
	MntID       int
	ParentMntID int

	SDev   DevID
	FSType FSCode
	// FSName is the raw filesystem type string as read off the kernel
	// (e.g. "tmpfs", "fuse.sysboxfs") -- kept alongside FSType because
	// FSType collapses anything unrecognized to FSUnsupported.
	FSName string

	// Root is the path within the source filesystem exposed at this
	// mount. "/" for non-bind mounts; a subpath for bind mounts.
	Root string

	// mountpoint is stored with a leading marker byte so the first byte
	// is never part of the path -- callers use Path() to get the real
	// path starting at offset 1. A mountpoint of "/" would otherwise be
	// indistinguishable from the zero value.
	mountpoint string

	Source  string
	Options string // comma-joined, leading/trailing commas trimmed
	Flags   uint64

	SharedID int
	MasterID int

	NSID int

	// Graph links, populated by mount.BuildTree / mount.CollectShared.
	Parent     *MountRecord
	Children   []*MountRecord
	Peers      []*MountRecord
	Slaves     []*MountRecord
	Binds      []*MountRecord
	BindSource *MountRecord
	MasterPeer *MountRecord

	IsNSRoot   bool
	External   bool
	NeedPlugin bool
	Dumped     bool
	Mounted    bool
}

const mountpointMarker = '.'

// NewMountpoint stores p with the leading marker byte prepended.
func NewMountpoint(p string) string {
	return string(mountpointMarker) + p
}

// Path returns the real mountpoint path, stripping the leading marker.
func (m *MountRecord) Path() string {
	if m.mountpoint == "" {
		return ""
	}
	return m.mountpoint[1:]
}

// SetPath stores p as the mountpoint, adding the marker byte.
func (m *MountRecord) SetPath(p string) {
	m.mountpoint = NewMountpoint(p)
}

// RawMountpoint returns the marker-prefixed storage form, as written to an
// image record.
func (m *MountRecord) RawMountpoint() string {
	return m.mountpoint
}

// SetRawMountpoint stores an already-marker-prefixed path, as read from an
// image record.
func (m *MountRecord) SetRawMountpoint(raw string) {
	m.mountpoint = raw
}

// IsFsrootMounted reports whether this mount exposes the "/" of its source
// filesystem (as opposed to a bind-mounted subpath).
func (m *MountRecord) IsFsrootMounted() bool {
	return m.Root == "/"
}

// Depth is the number of path separators in the mountpoint, used to order
// siblings deepest-first.
func (m *MountRecord) Depth() int {
	depth := 0
	for _, c := range m.Path() {
		if c == '/' {
			depth++
		}
	}
	return depth
}

// Namespace is a mount namespace record: a namespace id, the pid that owned
// it at checkpoint time, and (after graph build) the root of its mount
// tree.
type Namespace struct {
	NSID     int
	OwnerPID uint32
	Root     *MountRecord

	// Created transitions exactly once, from false to true, signaling
	// that the owning task has finished constructing this namespace's
	// mount tree in the roots yard.
	Created bool
}

// ExternalMapping is the (key, value) pair described in spec §6. At dump,
// Key is a mountpoint path and Value is the opaque name stored in place of
// Root. At restore, Key is the name read from the image and Value is a
// path in the host namespace to bind-mount at the mountpoint.
type ExternalMapping struct {
	Key   string
	Value string
}
