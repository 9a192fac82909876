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

// This file parses /proc/<pid>/mountinfo-formatted lines into
// domain.MountRecord values. Field layout:
//
//   36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//   (1)(2)(3)   (4)   (5)      (6)      (7)   (8) (9)   (10)         (11)
//
// See domain/mount.go for the full field legend.

package mount

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"

	"github.com/nestybox/mnt-ckpt/domain"
)

// ParseMountInfo parses the full contents of a mountinfo file into a flat,
// unlinked record list, in the order the kernel reported them. nsid is
// stamped onto every record; it does not appear in the kernel's own
// format.
func ParseMountInfo(data []byte, nsid int) ([]*domain.MountRecord, error) {
	var records []*domain.MountRecord

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		m, err := parseLine(line)
		if err != nil {
			return nil, domain.NewError("mount.ParseMountInfo", domain.KindParse, err)
		}
		m.NSID = nsid

		if h := hooksFor(m); h != nil && h.parse != nil {
			h.parse(m)
		}

		records = append(records, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.NewError("mount.ParseMountInfo", domain.KindParse, err)
	}

	return records, nil
}

// ProcMountSource reads and parses /proc/<pid>/mountinfo. It is the default,
// production-grade domain.RawMountSource implementation.
type ProcMountSource struct{}

func (ProcMountSource) MountRecords(pid uint32) ([]*domain.MountRecord, error) {
	data, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/mountinfo", pid))
	if err != nil {
		return nil, domain.NewError("mount.ProcMountSource", domain.KindIO, err)
	}
	return ParseMountInfo(data, 0)
}

// parseLine parses a single mountinfo line.
func parseLine(line string) (*domain.MountRecord, error) {
	fields := strings.Split(line, " ")
	n := len(fields)

	if n < 10 {
		return nil, fmt.Errorf("not enough fields in mountinfo line: %q", line)
	}
	if fields[n-4] != "-" {
		return nil, fmt.Errorf("no separator found at expected position in line: %q", line)
	}

	m := &domain.MountRecord{
		FSName: fields[n-3],
		Root:   fields[3],
		Source: fields[n-2],
	}
	m.SetPath(fields[4])
	m.FSType = codeByName(m.FSName)

	var err error
	m.MntID, err = strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid mount id field: %q", fields[0])
	}
	m.ParentMntID, err = strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid parent id field: %q", fields[1])
	}

	major, minor, err := parseMajorMinor(fields[2])
	if err != nil {
		return nil, err
	}
	m.SDev = domain.DevID{Major: major, Minor: minor}

	perMountOpts := parseOptions(fields[5])
	superOpts := parseOptions(fields[n-1])
	m.Flags = StringToFlags(perMountOpts) | StringToFlags(superOpts)
	m.Options = mergeOptions(perMountOpts, superOpts)

	for _, of := range fields[6 : n-4] {
		parseOptionalField(of, m)
	}

	return m, nil
}

// parseMajorMinor parses a "major:minor" component, e.g. "98:0".
func parseMajorMinor(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid major:minor field: %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid major field: %q", parts[0])
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minor field: %q", parts[1])
	}
	return uint32(major), uint32(minor), nil
}

// parseOptions splits a comma-joined option list into a key/value map; a
// monomial option (e.g. "rw") maps to the empty string.
func parseOptions(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, opt := range strings.Split(s, ",") {
		kv := strings.SplitN(opt, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		} else {
			out[kv[0]] = ""
		}
	}
	return out
}

// mergeOptions combines per-mount and super-block options into the
// record's comma-joined, trimmed Options string, as required by the data
// model (leading/trailing commas trimmed, no duplicates). Keys are sorted
// so two records with the same effective option set always produce the
// same string -- bindEquivalent compares Options verbatim, and Go's map
// iteration order is unspecified.
func mergeOptions(perMount, super map[string]string) string {
	merged := make(map[string]string, len(perMount)+len(super))
	for k, v := range super {
		merged[k] = v
	}
	for k, v := range perMount {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := merged[k]; v == "" {
			out = append(out, k)
		} else {
			out = append(out, k+"="+v)
		}
	}

	return strings.Join(out, ",")
}

// parseOptionalField parses one "tag[:value]" optional field and, for the
// fields the data model tracks (shared, master), stamps m's SharedID or
// MasterID.
func parseOptionalField(field string, m *domain.MountRecord) {
	kv := strings.SplitN(field, ":", 2)
	tag := kv[0]
	var value string
	if len(kv) == 2 {
		value = kv[1]
	}

	switch tag {
	case "shared":
		if id, err := strconv.Atoi(value); err == nil {
			m.SharedID = id
		}
	case "master":
		if id, err := strconv.Atoi(value); err == nil {
			m.MasterID = id
		}
	case "unbindable", "propagate_from":
		// Recognized but not separately modeled: unbindable mounts simply
		// carry shared_id == master_id == 0, so they join no peer group;
		// bind-source selection does not distinguish them from other
		// mounts. propagate_from is redundant with master_id for this
		// engine's purposes.
	}
}
