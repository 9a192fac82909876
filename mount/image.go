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
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/nestybox/mnt-ckpt/domain"
)

// ImageRecord is the wire representation of one mount record, per §6. It
// carries exactly the fields the image format names; everything else
// (graph links) is recomputed at restore by BuildTree/CollectShared.
type ImageRecord struct {
	FSType      domain.FSCode
	FSName      string
	MntID       int
	ParentMntID int
	RootDev     domain.DevID
	Flags       uint64
	Mountpoint  string // RawMountpoint: marker-prefixed
	Source      string
	Options     string
	SharedID    int
	MasterID    int
	WithPlugin  bool
	ExtMount    bool
	Root        string // source subpath, or the opaque external-mapping name if ExtMount

	// NSID and IsNSRoot carry a record's owning namespace and, for a
	// nested namespace dumped alongside its outer one (see mount.Dump's
	// Sources), whether it is that namespace's own self-parented root --
	// the flag BuildTree's nested-root attach branch keys off of. Plain
	// single-namespace records have NSID equal to the image's own key and
	// IsNSRoot false for everything but the outer root; Dump sets IsNSRoot
	// on the outer root before writing, so it is carried on the wire too.
	NSID     int
	IsNSRoot bool
}

// toRecord converts an ImageRecord back into a domain.MountRecord,
// un-setting the graph links (populated later by BuildTree/CollectShared).
func (ir ImageRecord) toRecord() *domain.MountRecord {
	m := &domain.MountRecord{
		MntID:       ir.MntID,
		ParentMntID: ir.ParentMntID,
		SDev:        ir.RootDev,
		FSType:      ir.FSType,
		FSName:      ir.FSName,
		Source:      ir.Source,
		Options:     ir.Options,
		Flags:       ir.Flags,
		SharedID:    ir.SharedID,
		MasterID:    ir.MasterID,
		NSID:        ir.NSID,
		NeedPlugin:  ir.WithPlugin,
		External:    ir.ExtMount,
		IsNSRoot:    ir.IsNSRoot,
	}
	m.SetRawMountpoint(ir.Mountpoint)
	m.Root = ir.Root // source subpath, or opaque external-mapping name if ExtMount

	return m
}

// fromRecord converts a domain.MountRecord into its wire representation.
func fromRecord(m *domain.MountRecord) ImageRecord {
	return ImageRecord{
		FSType:      m.FSType,
		FSName:      m.FSName,
		MntID:       m.MntID,
		ParentMntID: m.ParentMntID,
		RootDev:     m.SDev,
		Flags:       m.Flags,
		Mountpoint:  m.RawMountpoint(),
		Source:      m.Source,
		Options:     m.Options,
		SharedID:    m.SharedID,
		MasterID:    m.MasterID,
		WithPlugin:  m.NeedPlugin,
		ExtMount:    m.External,
		Root:        m.Root,
		NSID:        m.NSID,
		IsNSRoot:    m.IsNSRoot,
	}
}

// FileImage is the default domain.ImageReader/ImageWriter: one gob file
// per namespace's record list under dir/records-<nsid>.gob, and one
// content file per key under dir/content-<key>. The outer image *file
// format* proper is an external collaborator per spec §1/§6; FileImage
// exists so the dump/restore pipelines are runnable and testable in this
// repo without requiring that external framing.
type FileImage struct {
	Dir string

	mu sync.Mutex
}

func NewFileImage(dir string) *FileImage {
	return &FileImage{Dir: dir}
}

func (fi *FileImage) recordsPath(nsid int) string {
	return filepath.Join(fi.Dir, fmt.Sprintf("records-%d.gob", nsid))
}

func (fi *FileImage) contentPath(key string) string {
	return filepath.Join(fi.Dir, fmt.Sprintf("content-%s", key))
}

func (fi *FileImage) WriteRecords(nsid int, records []*domain.MountRecord) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	wire := make([]ImageRecord, len(records))
	for i, m := range records {
		wire[i] = fromRecord(m)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return domain.NewError("mount.FileImage.WriteRecords", domain.KindIO, err)
	}

	if err := ioutil.WriteFile(fi.recordsPath(nsid), buf.Bytes(), 0o600); err != nil {
		return domain.NewError("mount.FileImage.WriteRecords", domain.KindIO, err)
	}

	return nil
}

func (fi *FileImage) ReadRecords(nsid int) ([]*domain.MountRecord, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	data, err := ioutil.ReadFile(fi.recordsPath(nsid))
	if err != nil {
		return nil, domain.NewError("mount.FileImage.ReadRecords", domain.KindIO, err)
	}

	var wire []ImageRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return nil, domain.NewError("mount.FileImage.ReadRecords", domain.KindParse, err)
	}

	records := make([]*domain.MountRecord, len(wire))
	for i, ir := range wire {
		records[i] = ir.toRecord()
	}

	return records, nil
}

func (fi *FileImage) WriteContent(key string) (io.WriteCloser, error) {
	f, err := os.Create(fi.contentPath(key))
	if err != nil {
		return nil, domain.NewError("mount.FileImage.WriteContent", domain.KindIO, err)
	}
	return f, nil
}

func (fi *FileImage) ReadContent(key string) (io.ReadCloser, error) {
	f, err := os.Open(fi.contentPath(key))
	if err != nil {
		return nil, domain.NewError("mount.FileImage.ReadContent", domain.KindIO, err)
	}
	return f, nil
}
