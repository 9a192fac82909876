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
	"errors"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nestybox/mnt-ckpt/domain"
)

// Executor drives the restore-side visit function of §4.5. It owns the
// reader (for per-filesystem restore hooks) and an optional plugin.
type Executor struct {
	Image  domain.ImageReader
	Plugin domain.Plugin
}

// Visit is the Traverse-compatible visit function: Executor.Visit.
func (e *Executor) Visit(m *domain.MountRecord) (Verdict, error) {
	if m.Mounted {
		return Ok, nil
	}

	if !canMountNow(m) {
		return Defer, nil
	}

	var err error
	switch {
	case m.Parent == nil:
		err = e.mountRoot(m)
	case m.IsFsrootMounted() && m.MasterID == 0:
		if m.Parent.SharedID != 0 && !allParentPeersMounted(m.Parent) {
			return Defer, nil
		}
		err = e.mountFresh(m)
	default:
		err = e.mountBind(m)
	}

	if err != nil {
		return Fail, err
	}

	m.Mounted = true
	propagateAfterMount(m)

	return Ok, nil
}

// canMountNow implements §4.5's mountability test.
func canMountNow(m *domain.MountRecord) bool {
	if m.Parent == nil {
		return true
	}
	if m.IsFsrootMounted() && m.MasterID == 0 {
		return true
	}
	return m.BindSource != nil || m.NeedPlugin || m.External
}

func allParentPeersMounted(parent *domain.MountRecord) bool {
	for _, p := range parent.Peers {
		if !p.Mounted {
			return false
		}
	}
	return true
}

// mountRoot restores propagation flags only; the root mount itself is
// assumed already present (it is the namespace's own fsroot, materialized
// by the roots-yard setup, not by this executor).
func (e *Executor) mountRoot(m *domain.MountRecord) error {
	return restorePropagation(m)
}

// mountFresh performs a fresh filesystem mount, then applies shared
// propagation and the filesystem's restore hook.
func (e *Executor) mountFresh(m *domain.MountRecord) error {
	flags := m.Flags &^ uint64(unix.MS_SHARED)

	if err := unix.Mount(m.Source, m.Path(), m.FSName, uintptr(flags), fsDataOptions(m)); err != nil {
		return domain.NewMountError("mount.Executor.mountFresh", domain.KindIO, m.MntID, err)
	}

	if err := restorePropagation(m); err != nil {
		return err
	}

	if h := hooksFor(m); h != nil && h.restore != nil {
		if err := h.restore(m, e.Image); err != nil {
			return err
		}
	}

	return nil
}

// mountBind performs a bind mount, resolving the source via a plugin,
// external mapping, or bind_source, in that order of precedence per
// §4.5.
func (e *Executor) mountBind(m *domain.MountRecord) error {
	switch {
	case m.NeedPlugin:
		if e.Plugin == nil {
			return domain.NewMountError("mount.Executor.mountBind", domain.KindCapability, m.MntID, domain.ErrNotSupported)
		}
		if err := e.Plugin.RestoreExtMount(m.MntID, m.Path()); err != nil {
			kind := domain.KindIO
			if errors.Is(err, domain.ErrNotSupported) {
				kind = domain.KindCapability
			}
			return domain.NewMountError("mount.Executor.mountBind", kind, m.MntID, err)
		}

	case m.External:
		// The external mapping's host path was resolved onto m.Source by
		// the restore pipeline before the traversal began (see restore.go).
		if err := unix.Mount(m.Source, m.Path(), "", unix.MS_BIND, ""); err != nil {
			return domain.NewMountError("mount.Executor.mountBind", domain.KindIO, m.MntID, err)
		}

	default:
		src := bindSourcePath(m)
		if err := unix.Mount(src, m.Path(), "", unix.MS_BIND, ""); err != nil {
			return domain.NewMountError("mount.Executor.mountBind", domain.KindIO, m.MntID, err)
		}
	}

	return restorePropagation(m)
}

// bindSourcePath computes the bind mount's source path: strip the longest
// common prefix of m.Root with bind_source.Root, and append the remainder
// to bind_source's mountpoint, per §4.5.
func bindSourcePath(m *domain.MountRecord) string {
	bs := m.BindSource
	rem := strings.TrimPrefix(m.Root, commonPrefix(m.Root, bs.Root))
	rem = strings.TrimPrefix(rem, "/")

	if rem == "" {
		return bs.Path()
	}
	return strings.TrimSuffix(bs.Path(), "/") + "/" + rem
}

// commonPrefix returns the longest common "/"-component prefix of a and b.
func commonPrefix(a, b string) string {
	ac := strings.Split(a, "/")
	bc := strings.Split(b, "/")

	n := len(ac)
	if len(bc) < n {
		n = len(bc)
	}

	i := 0
	for i < n && ac[i] == bc[i] {
		i++
	}

	return strings.Join(ac[:i], "/")
}

// restorePropagation applies make-private, make-slave, make-shared in
// that order, so a mount needing both slave and shared tagging ends up
// correctly tagged (§4.5).
func restorePropagation(m *domain.MountRecord) error {
	if err := makePrivate(m.Path()); err != nil {
		return domain.NewMountError("mount.restorePropagation", domain.KindIO, m.MntID, err)
	}

	if m.MasterID != 0 {
		if err := makeSlave(m.Path()); err != nil {
			return domain.NewMountError("mount.restorePropagation", domain.KindIO, m.MntID, err)
		}
	}

	if m.SharedID != 0 {
		if err := makeShared(m.Path()); err != nil {
			return domain.NewMountError("mount.restorePropagation", domain.KindIO, m.MntID, err)
		}
	}

	return nil
}

// propagateAfterMount implements §4.5's post-mount fix-up: peers and
// slaves of m are given m as their bind_source so later passes can bind
// from the now-live mountpoint without re-mounting, and the kernel's own
// propagation into the parent's peers/slaves is reflected into the graph.
func propagateAfterMount(m *domain.MountRecord) {
	for _, p := range m.Peers {
		if !p.Mounted && p.BindSource == nil {
			p.BindSource = m
		}
	}
	for _, s := range m.Peers {
		propagateToSlaves(s, m)
	}
	propagateToSlaves(m, m)

	if m.Parent != nil {
		propagateSiblings(m)
		umountFromSlaves(m)
	}
	if m.IsFsrootMounted() || m.Parent == nil {
		propagateFsrootBinds(m)
	}
}

func propagateToSlaves(peer, source *domain.MountRecord) {
	for _, s := range peer.Slaves {
		if !s.Mounted && s.BindSource == nil {
			s.BindSource = source
		}
	}
}

// propagateSiblings marks, under every peer of m's parent, the child the
// kernel's own propagation already mounted as an equivalent of m, as
// already mounted, transitively through its own subtree (mirrors
// original_source/mount.c's propagate_mount walking mi->parent->mnt_share).
func propagateSiblings(m *domain.MountRecord) {
	for _, parentPeer := range m.Parent.Peers {
		for _, c := range parentPeer.Children {
			if mountsEquivalent(m, c) {
				markMountedTransitively(c)
			}
		}
	}
}

// mountsEquivalent reports whether c is the kernel-propagated counterpart
// of m under a different peer subtree: same (s_dev, fstype, source,
// options, root) plus the same mountpoint basename, matching
// original_source/mount.c's mounts_equal(mi, c, false). Unlike
// bindEquivalent, this never compares full paths across peers, since two
// genuine peers are by construction never mounted at the same path
// (collector.go's collectPeers excludes a record from its own Peers).
func mountsEquivalent(m, c *domain.MountRecord) bool {
	return bindEquivalent(m, c) && m.Root == c.Root && pathBasename(m.Path()) == pathBasename(c.Path())
}

// pathBasename returns the final "/"-separated component of p.
func pathBasename(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return p
	}
	return p[i+1:]
}

func markMountedTransitively(m *domain.MountRecord) {
	if m.Mounted {
		return
	}
	m.Mounted = true
	for _, c := range m.Children {
		markMountedTransitively(c)
	}
}

// umountFromSlaves removes any mount under a slave of m's parent that
// matches m's path, because slave propagation is a one-way approximation
// the kernel does not guarantee reflects reality precisely.
func umountFromSlaves(m *domain.MountRecord) {
	for _, slave := range m.Parent.Slaves {
		for _, c := range slave.Children {
			if mountsEquivalent(m, c) && c.Mounted {
				_ = unix.Unmount(c.Path(), 0)
				c.Mounted = false
			}
		}
	}
}

// propagateFsrootBinds implements §4.5's final rule: when m is itself at
// fsroot (or has no parent), any bind-equivalent mount still unmounted and
// with no slave master is assigned m as its bind_source.
func propagateFsrootBinds(m *domain.MountRecord) {
	for _, b := range m.Binds {
		if !b.Mounted && b.MasterPeer == nil && b.BindSource == nil {
			b.BindSource = m
		}
	}
}

// fsDataOptions returns the filesystem-specific data string (options minus
// the ones that map to kernel flags, which are applied via m.Flags instead)
// to pass as the mount syscall's data argument.
func fsDataOptions(m *domain.MountRecord) string {
	opts := parseOptions(m.Options)

	var out []string
	for k, v := range opts {
		if k == "rw" {
			continue
		}
		if _, isFlag := flagsMap[k]; isFlag {
			continue
		}
		if v == "" {
			out = append(out, k)
		} else {
			out = append(out, k+"="+v)
		}
	}
	sort.Strings(out)

	return strings.Join(out, ",")
}
