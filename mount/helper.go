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

package mount

import (
	"strings"

	"golang.org/x/sys/unix"
)

// mountPropFlags indicate a change in the propagation type of an existing
// mountpoint.
const mountPropFlags = (unix.MS_SHARED | unix.MS_PRIVATE | unix.MS_SLAVE | unix.MS_UNBINDABLE)

// mountModFlags indicate a change to an existing mountpoint. If these flags
// are not present, the mount syscall creates a new mountpoint.
const mountModFlags = (unix.MS_REMOUNT | unix.MS_BIND | unix.MS_MOVE | mountPropFlags)

// flagsMap maps the subset of /proc/pid/mountinfo option strings that
// correspond to kernel mount flags, as opposed to filesystem-specific data.
// Details here:
// https://github.com/torvalds/linux/blob/master/fs/proc_namespace.c#L131
// https://github.com/torvalds/linux/blob/master/include/linux/mount.h
var flagsMap = map[string]uint64{
	"ro":          unix.MS_RDONLY,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"nosuid":      unix.MS_NOSUID,
	"noatime":     unix.MS_NOATIME,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
	"sync":        unix.MS_SYNCHRONOUS,
}

// IsNewMount returns true if the mount flags indicate creation of a new
// mountpoint.
func IsNewMount(flags uint64) bool {
	return flags&unix.MS_MGC_MSK == unix.MS_MGC_VAL || flags&mountModFlags == 0
}

// IsRemount returns true if the mount flags indicate a remount operation.
func IsRemount(flags uint64) bool {
	return flags&unix.MS_REMOUNT == unix.MS_REMOUNT
}

// IsBind returns true if the mount flags indicate a bind-mount operation.
func IsBind(flags uint64) bool {
	return flags&unix.MS_BIND == unix.MS_BIND
}

// IsMove returns true if the mount flags indicate a mount move operation.
func IsMove(flags uint64) bool {
	return flags&unix.MS_MOVE == unix.MS_MOVE
}

// HasPropagationFlag returns true if the mount flags indicate a mount
// propagation change.
func HasPropagationFlag(flags uint64) bool {
	return flags&mountPropFlags != 0
}

// IsReadOnlyMount returns true if the mount flags indicate a read-only
// mount.
func IsReadOnlyMount(flags uint64) bool {
	return flags&unix.MS_RDONLY == unix.MS_RDONLY
}

// StringToFlags converts string-based mount options (as extracted from
// /proc/pid/mountinfo) into their corresponding kernel flag bitset.
func StringToFlags(opts map[string]string) uint64 {
	var flags uint64

	for k := range opts {
		// "rw" shows up both as a per-mount and a per-vfs option; it's the
		// absence of MS_RDONLY, not a flag of its own.
		if k == "rw" {
			continue
		}
		if v, ok := flagsMap[k]; ok {
			flags |= v
		}
	}

	return flags
}

// FilterFsFlags takes filesystem options as extracted from
// /proc/pid/mountinfo and returns only the subset that correspond to kernel
// mount flags (as opposed to filesystem-specific superblock data).
func FilterFsFlags(fsOpts map[string]string) string {
	opts := []string{}

	for k := range fsOpts {
		if _, ok := flagsMap[k]; ok && k != "rw" {
			opts = append(opts, k)
		}
	}

	return strings.Join(opts, ",")
}

// makePrivate, makeSlave and makeShared are the three propagation-flag
// restoration primitives from §4.5, applied private-then-slave-then-shared
// so a mount that needs to end up both slave and shared is tagged
// correctly. They are thin wrappers over unix.Mount so the executor's
// control flow reads the same way as original_source/mount.c's
// restore_shared_options.
func makePrivate(mountpoint string) error {
	return unix.Mount("none", mountpoint, "", unix.MS_PRIVATE, "")
}

func makeSlave(mountpoint string) error {
	return unix.Mount("none", mountpoint, "", unix.MS_SLAVE, "")
}

func makeShared(mountpoint string) error {
	return unix.Mount("none", mountpoint, "", unix.MS_SHARED, "")
}
