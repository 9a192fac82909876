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
	"os/exec"

	"github.com/spf13/afero"

	"github.com/nestybox/mnt-ckpt/domain"
)

// ContentFS is the filesystem abstraction the empty-pseudo-filesystem dump
// hook reads a mountpoint through; the archive hooks run tar directly on
// the real mountpoint path and do not use it. Production wiring uses
// afero.NewOsFs(); tests substitute afero.NewMemMapFs(), the same
// afero-backed testability the teacher's sysio package demonstrates for
// procfs/sysfs node access.
var ContentFS afero.Fs = afero.NewOsFs()

// fsHooks is the per-filesystem callback table. Any hook may be nil.
type fsHooks struct {
	code FSCode

	// parse normalizes m's Options at collect time. Example: tmpfs-like
	// filesystems append a disambiguating option so restore creates a
	// fresh instance rather than attempting to reattach a defunct one.
	parse func(m *domain.MountRecord)

	// dump serializes m's content into the image's content store, keyed
	// by contentKey(m). Absent for filesystems with nothing to
	// carry across (cgroup, overlay).
	dump func(m *domain.MountRecord, w domain.ImageWriter) error

	// restore is dump's inverse.
	restore func(m *domain.MountRecord, r domain.ImageReader) error
}

// FSCode aliases domain.FSCode so registry callers don't need two imports
// for what is, outside this package, a single concept.
type FSCode = domain.FSCode

const (
	FSUnsupported = domain.FSUnsupported
	FSTmpfs       = domain.FSTmpfs
	FSProc        = domain.FSProc
	FSSysfs       = domain.FSSysfs
	FSDevpts      = domain.FSDevpts
	FSMqueue      = domain.FSMqueue
	FSCgroup      = domain.FSCgroup
	FSCgroup2     = domain.FSCgroup2
	FSOverlay     = domain.FSOverlay
	FSBtrfs       = domain.FSBtrfs
)

// registry is the closed, statically-known name -> code table plus hooks.
// Unknown names map to FSUnsupported, which carries no hooks.
var registry = map[string]*fsHooks{
	"tmpfs": {
		code:    FSTmpfs,
		parse:   parseTmpfs,
		dump:    dumpArchive,
		restore: restoreArchive,
	},
	"proc": {
		code: FSProc,
		dump: dumpEmptyPseudoFS,
	},
	"sysfs": {
		code: FSSysfs,
		dump: dumpEmptyPseudoFS,
	},
	"devpts": {
		code: FSDevpts,
		dump: dumpEmptyPseudoFS,
	},
	"mqueue": {
		code: FSMqueue,
		dump: dumpEmptyPseudoFS,
	},
	"cgroup": {
		code: FSCgroup,
	},
	"cgroup2": {
		code: FSCgroup2,
	},
	"overlay": {
		code: FSOverlay,
	},
	"btrfs": {
		code:    FSBtrfs,
		dump:    dumpArchive,
		restore: restoreArchive,
	},
}

// codeByName returns the registry entry for fsName, or the unsupported
// sentinel if fsName is not in the closed set.
func codeByName(fsName string) FSCode {
	h, ok := registry[fsName]
	if !ok {
		return FSUnsupported
	}
	return h.code
}

// hooksFor returns the hook table for m's filesystem, or nil if m's
// filesystem is unsupported (or carries no hooks at all).
func hooksFor(m *domain.MountRecord) *fsHooks {
	for _, h := range registry {
		if h.code == m.FSType {
			return h
		}
	}
	return nil
}

// btrfsMagic is the statfs f_type value for btrfs, used to reclassify a
// mount the parser initially saw reported under an unrecognized name but
// whose subvolumes present distinct device ids for the same underlying
// superblock — see §4.6.
const btrfsMagic = 0x9123683E

// reclassifyByStatfsMagic re-checks an FSUnsupported mount's on-disk
// superblock magic and promotes it to a known family when it matches one,
// following §4.6's btrfs example. statfsMagic is injected so tests don't
// need a real btrfs filesystem.
func reclassifyByStatfsMagic(m *domain.MountRecord, statfsMagic func(path string) (int64, error)) error {
	if m.FSType != FSUnsupported {
		return nil
	}

	magic, err := statfsMagic(m.Path())
	if err != nil {
		return domain.NewMountError("mount.reclassifyByStatfsMagic", domain.KindIO, m.MntID, err)
	}

	if magic == btrfsMagic {
		m.FSType = FSBtrfs
	}

	return nil
}

// parseTmpfs appends a disambiguating option so a restored tmpfs is always
// a fresh instance rather than an attempt to reattach the original
// (ephemeral) superblock.
func parseTmpfs(m *domain.MountRecord) {
	const marker = "mnt-ckpt.fresh"
	if m.Options == "" {
		m.Options = marker
		return
	}
	m.Options = m.Options + "," + marker
}

// dumpEmptyPseudoFS verifies the mountpoint is empty and succeeds; used by
// pseudo-filesystems (proc, sysfs, devpts, mqueue) that carry no content of
// their own to serialize.
func dumpEmptyPseudoFS(m *domain.MountRecord, w domain.ImageWriter) error {
	entries, err := afero.ReadDir(ContentFS, m.Path())
	if err != nil {
		return domain.NewMountError("mount.dumpEmptyPseudoFS", domain.KindIO, m.MntID, err)
	}
	if len(entries) != 0 {
		return domain.NewMountError("mount.dumpEmptyPseudoFS", domain.KindIO, m.MntID,
			fmt.Errorf("expected empty pseudo-filesystem at %s, found %d entries", m.Path(), len(entries)))
	}
	return nil
}

// contentKey is the content-store key for m, per §6: keyed by s_dev with a
// fallback of mnt_id (used when s_dev is the shared zero-value, e.g. in
// tests that don't stat a real device).
func contentKey(m *domain.MountRecord) string {
	if m.SDev.Major != 0 || m.SDev.Minor != 0 {
		return fmt.Sprintf("dev-%d-%d", m.SDev.Major, m.SDev.Minor)
	}
	return fmt.Sprintf("mnt-%d", m.MntID)
}

// dumpArchive streams an archive of m's content into the image's content
// store via an external helper process, the same "invoke tar with a
// specific argument vector" shape spec §6 describes for archive creation.
func dumpArchive(m *domain.MountRecord, w domain.ImageWriter) error {
	dst, err := w.WriteContent(contentKey(m))
	if err != nil {
		return domain.NewMountError("mount.dumpArchive", domain.KindIO, m.MntID, err)
	}
	defer dst.Close()

	cmd := exec.Command("tar", "-C", m.Path(), "-cf", "-", ".")
	cmd.Stdout = dst
	if err := cmd.Run(); err != nil {
		return domain.NewMountError("mount.dumpArchive", domain.KindIO, m.MntID, err)
	}
	return nil
}

// restoreArchive is dumpArchive's inverse.
func restoreArchive(m *domain.MountRecord, r domain.ImageReader) error {
	src, err := r.ReadContent(contentKey(m))
	if err != nil {
		return domain.NewMountError("mount.restoreArchive", domain.KindIO, m.MntID, err)
	}
	defer src.Close()

	cmd := exec.Command("tar", "-C", m.Path(), "-xf", "-")
	cmd.Stdin = src
	if err := cmd.Run(); err != nil {
		return domain.NewMountError("mount.restoreArchive", domain.KindIO, m.MntID, err)
	}
	return nil
}
