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
	"fmt"
	"io/ioutil"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nestybox/mnt-ckpt/domain"
)

// Open resolves m's content directory for dump, following §4.7: opening a
// mount directly would follow any overmounting child and yield the wrong
// filesystem, so a mount with children is instead bound (non-recursively)
// into a scratch directory, opened there, and detached again.
//
// scratchParent is the directory under which the temporary bind directory
// is created (normally the roots yard). Open returns the path to use for
// content access and a cleanup function that must be called once done.
func Open(m *domain.MountRecord, scratchParent string) (path string, cleanup func() error, err error) {
	if len(m.Children) == 0 {
		if err := checkDevConsistency(m, m.Path()); err != nil {
			return "", nil, err
		}
		return m.Path(), func() error { return nil }, nil
	}

	scratch, err := ioutil.TempDir(scratchParent, "mnt-ckpt-open-")
	if err != nil {
		return "", nil, domain.NewMountError("mount.Open", domain.KindIO, m.MntID, err)
	}

	if err := unix.Mount(m.Path(), scratch, "", unix.MS_BIND, ""); err != nil {
		os.RemoveAll(scratch)
		return "", nil, domain.NewMountError("mount.Open", domain.KindIO, m.MntID, err)
	}

	cleanup = func() error {
		if err := unix.Unmount(scratch, unix.MNT_DETACH); err != nil {
			os.RemoveAll(scratch)
			return domain.NewMountError("mount.Open", domain.KindIO, m.MntID, err)
		}
		return os.RemoveAll(scratch)
	}

	if err := checkDevConsistency(m, scratch); err != nil {
		cleanup()
		return "", nil, err
	}

	return scratch, cleanup, nil
}

// checkDevConsistency reads path's st_dev and confirms it resolves back to
// m.SDev, the post-open consistency check §4.7 requires.
func checkDevConsistency(m *domain.MountRecord, path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return domain.NewMountError("mount.Open", domain.KindIO, m.MntID, err)
	}

	major := unix.Major(uint64(st.Dev))
	minor := unix.Minor(uint64(st.Dev))

	if uint32(major) != m.SDev.Major || uint32(minor) != m.SDev.Minor {
		return domain.NewMountError("mount.Open", domain.KindIO, m.MntID,
			fmt.Errorf("device mismatch after open: got %d:%d, want %d:%d",
				major, minor, m.SDev.Major, m.SDev.Minor))
	}

	return nil
}
