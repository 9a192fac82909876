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
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/nestybox/mnt-ckpt/domain"
)

// pathIndex is a radix tree keyed by mountpoint path, giving O(log n)
// exact and longest-prefix lookup of mount records instead of a linear
// scan over the record list.
type pathIndex struct {
	tree *iradix.Tree
}

func newPathIndex() *pathIndex {
	return &pathIndex{tree: iradix.New()}
}

// insert indexes m under its mountpoint path. Rebuilds the immutable tree
// root; safe to call during single-threaded tree construction only.
func (pi *pathIndex) insert(m *domain.MountRecord) {
	tree, _, _ := pi.tree.Insert([]byte(m.Path()), m)
	pi.tree = tree
}

// get returns the record at the exact path, or nil.
func (pi *pathIndex) get(path string) *domain.MountRecord {
	v, ok := pi.tree.Get([]byte(path))
	if !ok {
		return nil
	}
	return v.(*domain.MountRecord)
}

// longestPrefix returns the record whose mountpoint is the longest proper
// prefix of path (or an exact match). The comparison is byte-wise, not by
// path component.
func (pi *pathIndex) longestPrefix(path string) *domain.MountRecord {
	_, v, ok := pi.tree.Root().LongestPrefix([]byte(path))
	if !ok {
		return nil
	}
	return v.(*domain.MountRecord)
}

// len returns the number of indexed records.
func (pi *pathIndex) len() int {
	return pi.tree.Len()
}
