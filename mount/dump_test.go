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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/mnt-ckpt/domain"
)

type fakeSource struct {
	records []*domain.MountRecord
	err     error
}

func (f *fakeSource) MountRecords(pid uint32) ([]*domain.MountRecord, error) {
	return f.records, f.err
}

func TestDumpEndToEnd(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := ContentFS
	ContentFS = fs
	defer func() { ContentFS = orig }()

	require.NoError(t, fs.MkdirAll("/proc", 0o755))

	root := rec(1, 1, "/")
	proc := rec(2, 1, "/proc")
	proc.Root = "/"
	proc.FSType = domain.FSProc

	src := &fakeSource{records: []*domain.MountRecord{root, proc}}
	img := &fileImageAdapter{FileImage: NewFileImage(t.TempDir())}

	cfg := DumpConfig{Source: src, Image: img, Plugin: nil}
	err := Dump(cfg, []NamespaceSource{{PID: 1234, NSID: 7}})
	require.NoError(t, err)

	assert.Equal(t, 7, root.NSID)
	assert.True(t, root.IsNSRoot)
	assert.True(t, proc.Dumped)
}

func TestDumpFoldsNestedNamespaceIntoCombinedTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := ContentFS
	ContentFS = fs
	defer func() { ContentFS = orig }()

	outerRoot := rec(1, 1, "/")
	outerRoot.FSType = domain.FSProc
	innerRoot := rec(100, 100, "/")
	innerRoot.FSType = domain.FSProc // must stay bind-equivalent with outerRoot for BuildTree's attach check
	innerRoot.NSID = 0               // overwritten to the nested source's nsid by Dump

	callCount := 0
	src := &multiCallSource{
		byPID: map[uint32][]*domain.MountRecord{
			1234: {outerRoot},
			5678: {innerRoot},
		},
		calls: &callCount,
	}
	img := &fileImageAdapter{FileImage: NewFileImage(t.TempDir())}

	cfg := DumpConfig{Source: src, Image: img, Plugin: nil}
	err := Dump(cfg, []NamespaceSource{{PID: 1234, NSID: 0}, {PID: 5678, NSID: 1}})
	require.NoError(t, err)

	assert.Equal(t, 2, callCount)
	assert.True(t, outerRoot.IsNSRoot)
	assert.Equal(t, 0, outerRoot.NSID)
	assert.True(t, innerRoot.IsNSRoot)
	assert.Equal(t, 1, innerRoot.NSID)
	require.Len(t, img.written, 2)
}

func TestDumpRejectsEmptySources(t *testing.T) {
	img := &fileImageAdapter{FileImage: NewFileImage(t.TempDir())}
	err := Dump(DumpConfig{Source: &fakeSource{}, Image: img}, nil)
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindTopology, derr.Kind)
}

// multiCallSource returns a different record set per pid, so tests can
// assert Dump folds multiple namespace sources into one combined list.
type multiCallSource struct {
	byPID map[uint32][]*domain.MountRecord
	calls *int
}

func (m *multiCallSource) MountRecords(pid uint32) ([]*domain.MountRecord, error) {
	*m.calls++
	return m.byPID[pid], nil
}

func TestDumpPropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: assert.AnError}
	img := &fileImageAdapter{FileImage: NewFileImage(t.TempDir())}

	err := Dump(DumpConfig{Source: src, Image: img}, []NamespaceSource{{PID: 1, NSID: 0}})
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindIO, derr.Kind)
}

func TestDumpValidationFailureStopsBeforeWritingImage(t *testing.T) {
	root := rec(1, 1, "/")
	badChild := rec(2, 1, "/weird")
	badChild.Root = "/"
	badChild.FSType = domain.FSUnsupported

	src := &fakeSource{records: []*domain.MountRecord{root, badChild}}
	img := &fileImageAdapter{FileImage: NewFileImage(t.TempDir())}

	err := Dump(DumpConfig{Source: src, Image: img}, []NamespaceSource{{PID: 1, NSID: 0}})
	require.Error(t, err)
	assert.Nil(t, img.written)
}

func TestApplyExternalMappings(t *testing.T) {
	m := rec(2, 1, "/mnt/ext")
	records := []*domain.MountRecord{m}

	applyExternalMappings(records, []domain.ExternalMapping{{Key: "/mnt/ext", Value: "host-name"}})

	assert.True(t, m.External)
	assert.Equal(t, "host-name", m.Root)
}

func TestApplyExternalMappingsNoopWhenEmpty(t *testing.T) {
	m := rec(2, 1, "/mnt/ext")
	m.Root = "/orig"
	records := []*domain.MountRecord{m}

	applyExternalMappings(records, nil)

	assert.False(t, m.External)
	assert.Equal(t, "/orig", m.Root)
}

// fileImageAdapter wraps a *FileImage and records the last WriteRecords
// call, so tests can assert on it without reading the call back off disk.
type fileImageAdapter struct {
	*FileImage
	written []*domain.MountRecord
}

func (a *fileImageAdapter) WriteRecords(nsid int, records []*domain.MountRecord) error {
	a.written = records
	return a.FileImage.WriteRecords(nsid, records)
}
