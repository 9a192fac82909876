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
	"golang.org/x/sys/unix"

	"github.com/nestybox/mnt-ckpt/domain"
)

// UnmountAll tears down a namespace's mount tree, deepest mount first, via
// the non-deferring reverse traversal. Not named in spec.md directly but
// required by §5's "teardown removes the roots yard and frees records";
// supplemented here from original_source/mount.c's do_umount_one, which
// plays the same role on the dump side's reverse-traversal teardown path.
func UnmountAll(root *domain.MountRecord) error {
	return TraverseReverse(root, func(m *domain.MountRecord) error {
		if m.Parent == nil {
			// The namespace root is torn down by removing the roots-yard
			// subtree that contains it, not by an explicit umount here.
			return nil
		}
		if err := unix.Unmount(m.Path(), unix.MNT_DETACH); err != nil {
			return domain.NewMountError("mount.UnmountAll", domain.KindIO, m.MntID, err)
		}
		m.Mounted = false
		return nil
	})
}
