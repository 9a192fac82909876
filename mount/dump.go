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
	"github.com/sirupsen/logrus"

	"github.com/nestybox/mnt-ckpt/domain"
)

// DumpConfig wires the collaborators the dump pipeline consumes, per
// spec §1: a raw mount source, an image writer, an optional plugin, and
// the out-of-band external mappings.
type DumpConfig struct {
	Source    domain.RawMountSource
	Image     domain.ImageWriter
	Plugin    domain.Plugin
	Externals []domain.ExternalMapping
}

// NamespaceSource identifies one mount namespace to fold into a combined
// dump: the pid whose /proc/<pid>/mountinfo (via cfg.Source) exposes it,
// and the nsid to tag its records with. Dump's first source is the outer
// namespace, whose root becomes the combined tree's root; any further
// sources are nested namespaces, dumped from their own pid and attached
// under the outer root by BuildTree's nested-namespace-root branch --
// mirroring original_source/mount.c's restore driver, which walks every
// ns_id's collect_mnt_from_image into one list before a single
// mnt_build_ids_tree call (mount.c:1719-1733).
type NamespaceSource struct {
	PID  uint32
	NSID int
}

// Dump runs the dump-side data flow of §2: kernel mount table -> raw
// parser -> record list -> graph builder -> validator -> per-mount
// content dump -> image, combining every namespace in sources into one
// tree and one image write keyed by sources[0]'s nsid.
func Dump(cfg DumpConfig, sources []NamespaceSource) error {
	if len(sources) == 0 {
		return domain.NewError("mount.Dump", domain.KindTopology, errNoNamespaceSources)
	}

	var records []*domain.MountRecord
	for i, src := range sources {
		recs, err := cfg.Source.MountRecords(src.PID)
		if err != nil {
			return domain.NewError("mount.Dump", domain.KindIO, err)
		}
		for _, m := range recs {
			m.NSID = src.NSID
		}
		if i > 0 {
			markNestedNamespaceRoot(recs)
		}
		records = append(records, recs...)
	}

	applyExternalMappings(records, cfg.Externals)

	root, err := BuildTree(records)
	if err != nil {
		return err
	}
	root.IsNSRoot = true

	if err := CollectShared(records); err != nil {
		return err
	}

	if err := Validate(root, cfg.Plugin); err != nil {
		return err
	}

	if err := dumpContent(root, cfg.Image); err != nil {
		return err
	}

	nsid := sources[0].NSID
	if err := cfg.Image.WriteRecords(nsid, records); err != nil {
		return err
	}

	logrus.Infof("mount.Dump: wrote %d records across %d namespace(s), keyed on namespace %d",
		len(records), len(sources), nsid)

	return nil
}

// markNestedNamespaceRoot finds the self-parented root of a nested
// namespace's own record set (ParentMntID == MntID, the kernel's
// top-of-this-view convention for the mount at the top of /proc/<pid>/
// mountinfo) and re-tags it as a nested-namespace attach point: IsNSRoot
// set, and ParentMntID rewritten to an id that cannot resolve in the
// combined list, so BuildTree's self-parent root check (which would
// otherwise treat every source's root as a second top-level root and fail
// with errMultipleRoots) instead falls through to the IsNSRoot attach
// branch (graph.go:51-63).
func markNestedNamespaceRoot(recs []*domain.MountRecord) {
	for _, m := range recs {
		if m.ParentMntID == m.MntID {
			m.IsNSRoot = true
			m.ParentMntID = -1
			return
		}
	}
}

// applyExternalMappings stores, in place of Root, the opaque mapping name
// for every record whose mountpoint has a configured external key, per
// §6: "presence of a key shortcuts fsroot-discovery".
func applyExternalMappings(records []*domain.MountRecord, mappings []domain.ExternalMapping) {
	if len(mappings) == 0 {
		return
	}
	byPath := make(map[string]string, len(mappings))
	for _, em := range mappings {
		byPath[em.Key] = em.Value
	}

	for _, m := range records {
		if name, ok := byPath[m.Path()]; ok {
			m.External = true
			m.Root = name
		}
	}
}

// dumpContent walks the tree dumping each fsroot mount's content via its
// registry hook (if any); bind mounts with a sub-root are never archived
// themselves, they're reconstructed from their bind source at restore.
func dumpContent(root *domain.MountRecord, w domain.ImageWriter) error {
	return TraverseReverse(root, func(m *domain.MountRecord) error {
		if m.Dumped || !m.IsFsrootMounted() {
			return nil
		}
		h := hooksFor(m)
		if h == nil || h.dump == nil {
			return nil
		}
		if err := h.dump(m, w); err != nil {
			return err
		}
		m.Dumped = true

		// A bind-equivalent mount's content is identical; mark it dumped
		// too so traversal doesn't redundantly archive it twice.
		for _, b := range m.Binds {
			b.Dumped = true
		}

		return nil
	})
}
