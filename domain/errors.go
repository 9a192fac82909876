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

package domain

import "fmt"

// Kind classifies an Error by the logical category of failure, not by the
// underlying syscall or parser symbol that produced it.
type Kind int

const (
	// KindParse: malformed raw mount record or image record.
	KindParse Kind = iota
	// KindTopology: missing parent, orphan record, overmounted sibling,
	// unreachable slave.
	KindTopology
	// KindCapability: filesystem unsupported and no bind source and no
	// external/plugin resolution.
	KindCapability
	// KindConsistency: shared peers have divergent children.
	KindConsistency
	// KindProgress: ordered traversal made zero progress in a full pass.
	KindProgress
	// KindIO: mount/open/bind/archive call failed.
	KindIO
	// KindPluginDecline: the plugin signaled "not supported".
	KindPluginDecline
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindTopology:
		return "topology"
	case KindCapability:
		return "capability"
	case KindConsistency:
		return "consistency"
	case KindProgress:
		return "progress"
	case KindIO:
		return "io"
	case KindPluginDecline:
		return "plugin-decline"
	default:
		return "unknown"
	}
}

// Error is the core's uniform fallible-operation error. It carries a Kind
// so callers can branch on category via errors.As without string matching,
// and an optional MountID for errors anchored to a specific record.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "mount.BuildTree"
	MountID int    // 0 when not anchored to a specific mount
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.MountID != 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s error on mount %d: %s", e.Op, e.Kind, e.MountID, e.Err)
		}
		return fmt.Sprintf("%s: %s error on mount %d", e.Op, e.Kind, e.MountID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports equality by Kind, so callers can do errors.Is(err, &domain.Error{Kind: domain.KindTopology}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an Error anchored to no particular mount.
func NewError(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// NewMountError builds an Error anchored to a specific mount record.
func NewMountError(op string, kind Kind, mntID int, cause error) *Error {
	return &Error{Op: op, Kind: kind, MountID: mntID, Err: cause}
}
