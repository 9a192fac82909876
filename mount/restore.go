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

// RestoreConfig wires the collaborators the restore pipeline consumes.
type RestoreConfig struct {
	Image     domain.ImageReader
	Plugin    domain.Plugin
	Externals []domain.ExternalMapping
	Yard      domain.Yard
}

// Restore runs the restore-side data flow of §2: image -> record list ->
// graph builder -> peer/slave/bind collector -> validator -> roots-yard
// creation -> ordered traversal invoking the mount executor -> per-
// filesystem content restore -> pivot.
//
// Pivot itself is left to the caller (via domain.NamespaceDriver) once
// Restore returns a fully mounted tree rooted in the yard's subtree for
// nsid; Restore's job ends at "the tree is mounted and ready to pivot
// into", matching how the root namespace is handled first and other
// namespaces wait on their creation cell per §5.
func Restore(cfg RestoreConfig, nsid int) (*domain.MountRecord, error) {
	records, err := cfg.Image.ReadRecords(nsid)
	if err != nil {
		return nil, err
	}

	resolveExternalMappings(records, cfg.Externals)

	root, err := BuildTree(records)
	if err != nil {
		return nil, err
	}
	root.IsNSRoot = true

	if err := CollectShared(records); err != nil {
		return nil, err
	}

	if err := Validate(root, cfg.Plugin); err != nil {
		return nil, err
	}

	subtree, err := cfg.Yard.Subtree(nsid)
	if err != nil {
		return nil, domain.NewError("mount.Restore", domain.KindIO, err)
	}
	root.SetPath(subtree)

	executor := &Executor{Image: cfg.Image, Plugin: cfg.Plugin}
	if err := Traverse(root, executor.Visit); err != nil {
		return nil, err
	}

	cfg.Yard.Cell(nsid).Set()

	logrus.Infof("mount.Restore: restored %d records for namespace %d", len(records), nsid)

	return root, nil
}

// resolveExternalMappings sets m.Source to the mapped host path for every
// record whose Root (the opaque name read from the image) matches a
// configured mapping's key, per §6: "value is the local path to bind-mount".
// A record with External set but no matching mapping (including when no
// mappings are configured at all) has External cleared, so validation
// rejects it as a capability error unless a bind peer or plugin resolves it.
func resolveExternalMappings(records []*domain.MountRecord, mappings []domain.ExternalMapping) {
	byKey := make(map[string]string, len(mappings))
	for _, em := range mappings {
		byKey[em.Key] = em.Value
	}

	for _, m := range records {
		if !m.External {
			continue
		}
		if host, ok := byKey[m.Root]; ok {
			m.Source = host
		} else {
			m.External = false
		}
	}
}
