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
	"strings"

	"github.com/nestybox/mnt-ckpt/domain"
)

// Verdict is the per-node result a Visit function returns.
type Verdict int

const (
	Ok Verdict = iota
	Defer
	Fail
)

// Visit is called once per node in pre-order; Defer postpones the node's
// entire subtree to a later pass.
type Visit func(m *domain.MountRecord) (Verdict, error)

// Traverse walks root in pre-order, calling visit on each node. A Defer
// return postpones that node (and does not descend into its children this
// pass); deferred nodes are retried in subsequent passes. A pass producing
// zero newly-satisfied nodes is a progress error, reported with the
// mountpoints of every still-postponed node. Termination is guaranteed:
// each pass either shrinks the postpone set or the traversal fails.
func Traverse(root *domain.MountRecord, visit Visit) error {
	postponed := []*domain.MountRecord{root}

	for len(postponed) > 0 {
		next, satisfied, err := runPass(postponed, visit)
		if err != nil {
			return err
		}

		if satisfied == 0 {
			return domain.NewError("mount.Traverse", domain.KindProgress, progressDiagnostic(next))
		}

		postponed = next
	}

	return nil
}

// runPass visits every node reachable (pre-order) from the postponed set
// of the previous pass, without descending past a deferred node. It
// returns the set of nodes still postponed after this pass and the count
// of nodes that were satisfied (visited with Ok) during it.
func runPass(roots []*domain.MountRecord, visit Visit) ([]*domain.MountRecord, int, error) {
	var nextPostponed []*domain.MountRecord
	satisfied := 0

	var walk func(m *domain.MountRecord) error
	walk = func(m *domain.MountRecord) error {
		verdict, err := visit(m)
		switch verdict {
		case Ok:
			satisfied++
			for _, c := range m.Children {
				if err := walk(c); err != nil {
					return err
				}
			}
			return nil
		case Defer:
			nextPostponed = append(nextPostponed, m)
			return nil
		case Fail:
			return err
		default:
			return fmt.Errorf("unknown traversal verdict %d", verdict)
		}
	}

	for _, root := range roots {
		if err := walk(root); err != nil {
			return nil, 0, err
		}
	}

	return nextPostponed, satisfied, nil
}

// progressDiagnostic formats the still-postponed node list for a progress
// error.
func progressDiagnostic(stuck []*domain.MountRecord) error {
	paths := make([]string, len(stuck))
	for i, m := range stuck {
		paths[i] = fmt.Sprintf("mnt_id=%d mountpoint=%s", m.MntID, m.Path())
	}
	return fmt.Errorf("no progress made; still postponed: %s", strings.Join(paths, "; "))
}

// ReverseVisit is called once per node in post-order during TraverseReverse
// (teardown); it never defers.
type ReverseVisit func(m *domain.MountRecord) error

// TraverseReverse walks root in post-order (children before parent),
// non-deferring, for cleanup/umount. A node's error aborts the remaining
// walk and is returned, but nodes already visited are not rolled back —
// teardown stops at the first failure.
func TraverseReverse(root *domain.MountRecord, visit ReverseVisit) error {
	for _, c := range root.Children {
		if err := TraverseReverse(c, visit); err != nil {
			return err
		}
	}
	return visit(root)
}
