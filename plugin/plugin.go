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

// Package plugin implements the two externally-managed-mountpoint hooks
// of spec §6: dump_ext_mount and restore_ext_mount. Plugin discovery
// itself is an explicit Non-goal (§1); this package only defines the
// callback shape and a default that always declines, so the validator and
// executor have something real to call in tests and in the absence of a
// configured plugin.
package plugin

import "github.com/nestybox/mnt-ckpt/domain"

// None is the default domain.Plugin: it always declines, letting the core
// fall back to an external mapping (dump) or fail with a capability error
// (restore, since there's nothing left to try).
var None domain.Plugin = noneImpl{}

type noneImpl struct{}

func (noneImpl) DumpExtMount(path string, mntID int) (bool, error) {
	return false, nil
}

func (noneImpl) RestoreExtMount(mntID int, mountpoint string) error {
	return domain.ErrNotSupported
}

// Callbacks adapts a pair of plain functions into a domain.Plugin, for
// callers that want to wire a plugin without defining a named type.
type Callbacks struct {
	Dump    func(path string, mntID int) (bool, error)
	Restore func(mntID int, mountpoint string) error
}

func (c Callbacks) DumpExtMount(path string, mntID int) (bool, error) {
	if c.Dump == nil {
		return false, nil
	}
	return c.Dump(path, mntID)
}

func (c Callbacks) RestoreExtMount(mntID int, mountpoint string) error {
	if c.Restore == nil {
		return domain.ErrNotSupported
	}
	return c.Restore(mntID, mountpoint)
}
