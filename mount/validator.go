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

	"github.com/nestybox/mnt-ckpt/domain"
)

// Validate runs the four rules of §4.3 against every non-root record
// reachable from root. plugin may be nil, in which case rule 3's plugin
// fallback is skipped (treated as a decline).
func Validate(root *domain.MountRecord, plugin domain.Plugin) error {
	return validateChildren(root, plugin)
}

func validateChildren(m *domain.MountRecord, plugin domain.Plugin) error {
	if err := checkOvermount(m.Children); err != nil {
		return err
	}

	for _, c := range m.Children {
		if err := validateOne(c, plugin); err != nil {
			return err
		}
		if err := validateChildren(c, plugin); err != nil {
			return err
		}
	}

	return nil
}

// validateOne applies rules 1-3 to a single non-root record m.
func validateOne(m *domain.MountRecord, plugin domain.Plugin) error {
	// Rule 1: shared parent's peers must have a bind-equivalent child.
	if m.Parent != nil && m.Parent.SharedID != 0 {
		if !anyPeerHasEquivalentChild(m) {
			return domain.NewMountError("mount.Validate", domain.KindConsistency, m.MntID,
				errDivergentChildren)
		}
	}

	// Rule 2: fsroot mount must be of a supported filesystem.
	if m.IsFsrootMounted() {
		if m.FSType == FSUnsupported {
			return domain.NewMountError("mount.Validate", domain.KindCapability, m.MntID,
				errNoProperRoot)
		}
		return nil
	}

	// Rule 3: bind mount with sub-root needs an authoritative bind peer,
	// or a plugin/external resolution.
	if findAuthoritativeBindPeer(m) != nil {
		return nil
	}

	if m.External {
		return nil
	}

	if plugin != nil {
		ok, err := plugin.DumpExtMount(m.Path(), m.MntID)
		if err != nil {
			return domain.NewMountError("mount.Validate", domain.KindIO, m.MntID, err)
		}
		if ok {
			m.NeedPlugin = true
			return nil
		}
	}

	if m.NeedPlugin {
		return nil
	}

	return domain.NewMountError("mount.Validate", domain.KindCapability, m.MntID, errNoProperRoot)
}

// anyPeerHasEquivalentChild implements rule 1's "loose" bind-equivalence
// check: ignore Root and mountpoint basename, compare everything else.
func anyPeerHasEquivalentChild(m *domain.MountRecord) bool {
	for _, peer := range m.Parent.Peers {
		for _, c := range peer.Children {
			if looseBindEquivalent(m, c) {
				return true
			}
		}
	}
	return false
}

func looseBindEquivalent(m, t *domain.MountRecord) bool {
	return m.SDev == t.SDev && m.FSType == t.FSType && m.Source == t.Source && m.Options == t.Options
}

// findAuthoritativeBindPeer implements the SPEC_FULL Open-Questions
// resolution: a bind peer t is authoritative only if t.Root == "/" (a
// fsroot peer, unconditionally authoritative) or t is a namespace root
// whose Root actually contains m.Root.
func findAuthoritativeBindPeer(m *domain.MountRecord) *domain.MountRecord {
	for _, t := range m.Binds {
		if t.Root == "/" {
			return t
		}
		if t.IsNSRoot && (t.Root == m.Root || hasPathPrefix(t.Root, m.Root)) {
			return t
		}
	}
	return nil
}

// checkOvermount implements rule 4: within one parent's children, no
// mountpoint may be a strict path prefix of another. Siblings are indexed
// by path in a radix tree; instead of comparing every pair, each child
// walks its own chain of path-component ancestors and does an O(log n)
// exact lookup at each step.
func checkOvermount(children []*domain.MountRecord) error {
	idx := newPathIndex()
	for _, m := range children {
		idx.insert(m)
	}

	for _, m := range children {
		for p := parentDir(m.Path()); p != ""; p = parentDir(p) {
			if other := idx.get(p); other != nil {
				return domain.NewMountError("mount.Validate", domain.KindTopology, m.MntID, errOvermount)
			}
		}
	}
	return nil
}

// parentDir returns p's parent path component, or "" once p has none left
// (mirroring hasPathPrefix's "/"-separated component semantics).
func parentDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}
