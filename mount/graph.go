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
	"sort"
	"strings"

	"github.com/nestybox/mnt-ckpt/domain"
)

// BuildTree turns a flat record list into a parent/child tree and returns
// its root. The root is the one record whose ParentMntID equals its own
// MntID (the kernel's self-parent convention for a namespace root). A
// record whose parent id does not resolve is accepted only if it is
// marked IsNSRoot, in which case it is attached under the root as a nested
// namespace (see below); any other unresolved record is an orphan error.
func BuildTree(records []*domain.MountRecord) (*domain.MountRecord, error) {
	byID := make(map[int]*domain.MountRecord, len(records))
	for _, m := range records {
		byID[m.MntID] = m
	}

	var root *domain.MountRecord

	for _, m := range records {
		if m.ParentMntID == m.MntID {
			if root != nil {
				return nil, domain.NewMountError("mount.BuildTree", domain.KindTopology, m.MntID,
					errMultipleRoots)
			}
			root = m
			continue
		}

		parent, ok := byID[m.ParentMntID]
		if !ok {
			if m.IsNSRoot {
				if root == nil {
					return nil, domain.NewMountError("mount.BuildTree", domain.KindTopology, m.MntID,
						errNestedRootBeforeRoot)
				}
				if !bindEquivalent(m, root) || m.Root != root.Root {
					return nil, domain.NewMountError("mount.BuildTree", domain.KindTopology, m.MntID,
						errNestedRootMismatch)
				}
				m.Parent = root
				root.Children = append(root.Children, m)
				continue
			}
			return nil, domain.NewMountError("mount.BuildTree", domain.KindTopology, m.MntID,
				errOrphanRecord)
		}

		m.Parent = parent
		parent.Children = append(parent.Children, m)
	}

	if root == nil {
		return nil, domain.NewError("mount.BuildTree", domain.KindTopology, errNoRoot)
	}

	resortTree(root)

	return root, nil
}

// resortTree applies ResortSiblings at every level of the tree.
func resortTree(m *domain.MountRecord) {
	ResortSiblings(m.Children)
	for _, c := range m.Children {
		resortTree(c)
	}
}

// ResortSiblings reorders children in place so deeper mountpoints come
// before shallower ones, stable with respect to original order among equal
// depths. Deeper-first ordering is what both umount (deepest must leave
// first) and mount (order otherwise doesn't matter within a parent)
// require.
func ResortSiblings(children []*domain.MountRecord) {
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Depth() > children[j].Depth()
	})
}

// bindEquivalent reports whether m and t satisfy invariant 5: identical
// (s_dev, fstype, source, options).
func bindEquivalent(m, t *domain.MountRecord) bool {
	return m.SDev == t.SDev &&
		m.FSType == t.FSType &&
		m.Source == t.Source &&
		m.Options == t.Options
}

// hasPathPrefix reports whether child is strictly nested under parent,
// treating paths as "/"-separated components (so "/p/ab" is not
// considered nested under "/p/a").
func hasPathPrefix(parent, child string) bool {
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+"/")
}
