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

import "github.com/nestybox/mnt-ckpt/domain"

// CollectShared populates Peers, Slaves, MasterPeer and Binds across the
// full record list, per §4.2. records must already have Parent/Children
// linked by BuildTree.
func CollectShared(records []*domain.MountRecord) error {
	for _, m := range records {
		if m.SharedID != 0 && len(m.Peers) == 0 {
			collectPeers(m, records)
		}

		if m.MasterID != 0 {
			master := findPeerWithSharedID(records, m.MasterID)
			if master == nil {
				if m.Parent != nil {
					return domain.NewMountError("mount.CollectShared", domain.KindTopology, m.MntID,
						errUnreachableSharing)
				}
				continue
			}
			master.Slaves = append(master.Slaves, m)
			m.MasterPeer = master
		}

		if len(m.Binds) == 0 {
			collectBinds(m, records)
		}
	}

	return nil
}

// collectPeers links every record sharing m's SharedID into m's peer set.
// Every peer runs this same full scan on its own turn, so the relation
// invariant 3 requires (mutual) holds without needing a cross-insert.
func collectPeers(m *domain.MountRecord, records []*domain.MountRecord) {
	for _, other := range records {
		if other == m || other.SharedID != m.SharedID {
			continue
		}
		m.Peers = append(m.Peers, other)
	}
}

// findPeerWithSharedID returns any record whose SharedID equals id.
func findPeerWithSharedID(records []*domain.MountRecord, id int) *domain.MountRecord {
	for _, m := range records {
		if m.SharedID == id {
			return m
		}
	}
	return nil
}

// collectBinds links every record bind-equivalent to m (invariant 5) into
// m.Binds.
func collectBinds(m *domain.MountRecord, records []*domain.MountRecord) {
	for _, other := range records {
		if other == m {
			continue
		}
		if bindEquivalent(m, other) {
			m.Binds = append(m.Binds, other)
		}
	}
}
