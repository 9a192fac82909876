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
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/mnt-ckpt/domain"
)

func TestCodeByName(t *testing.T) {
	assert.Equal(t, domain.FSTmpfs, codeByName("tmpfs"))
	assert.Equal(t, domain.FSProc, codeByName("proc"))
	assert.Equal(t, domain.FSBtrfs, codeByName("btrfs"))
	assert.Equal(t, domain.FSUnsupported, codeByName("zfs"))
}

func TestHooksFor(t *testing.T) {
	m := &domain.MountRecord{FSType: domain.FSTmpfs}
	h := hooksFor(m)
	require.NotNil(t, h)
	assert.NotNil(t, h.parse)
	assert.NotNil(t, h.dump)

	unsupported := &domain.MountRecord{FSType: domain.FSUnsupported}
	assert.Nil(t, hooksFor(unsupported))
}

func TestParseTmpfsAppendsMarker(t *testing.T) {
	m := &domain.MountRecord{}
	parseTmpfs(m)
	assert.Equal(t, "mnt-ckpt.fresh", m.Options)

	m2 := &domain.MountRecord{Options: "rw,size=1024k"}
	parseTmpfs(m2)
	assert.Equal(t, "rw,size=1024k,mnt-ckpt.fresh", m2.Options)
}

func TestReclassifyByStatfsMagicPromotesBtrfs(t *testing.T) {
	m := &domain.MountRecord{FSType: domain.FSUnsupported}
	m.SetPath("/mnt/vol")

	err := reclassifyByStatfsMagic(m, func(path string) (int64, error) {
		assert.Equal(t, "/mnt/vol", path)
		return btrfsMagic, nil
	})

	require.NoError(t, err)
	assert.Equal(t, domain.FSBtrfs, m.FSType)
}

func TestReclassifyByStatfsMagicLeavesOtherMagicAlone(t *testing.T) {
	m := &domain.MountRecord{FSType: domain.FSUnsupported}
	err := reclassifyByStatfsMagic(m, func(path string) (int64, error) {
		return 0xDEAD, nil
	})

	require.NoError(t, err)
	assert.Equal(t, domain.FSUnsupported, m.FSType)
}

func TestReclassifyByStatfsMagicSkipsAlreadyKnown(t *testing.T) {
	m := &domain.MountRecord{FSType: domain.FSProc}
	called := false
	err := reclassifyByStatfsMagic(m, func(path string) (int64, error) {
		called = true
		return 0, nil
	})

	require.NoError(t, err)
	assert.False(t, called)
}

func TestReclassifyByStatfsMagicPropagatesError(t *testing.T) {
	m := &domain.MountRecord{FSType: domain.FSUnsupported}
	sentinel := errors.New("statfs failed")

	err := reclassifyByStatfsMagic(m, func(path string) (int64, error) {
		return 0, sentinel
	})

	require.Error(t, err)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindIO, derr.Kind)
}

func TestContentKeyPrefersDevID(t *testing.T) {
	m := &domain.MountRecord{MntID: 7, SDev: domain.DevID{Major: 8, Minor: 1}}
	assert.Equal(t, "dev-8-1", contentKey(m))
}

func TestContentKeyFallsBackToMntID(t *testing.T) {
	m := &domain.MountRecord{MntID: 7}
	assert.Equal(t, "mnt-7", contentKey(m))
}

func TestDumpEmptyPseudoFSAcceptsEmptyDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := ContentFS
	ContentFS = fs
	defer func() { ContentFS = orig }()

	require.NoError(t, fs.MkdirAll("/proc", 0o755))

	m := &domain.MountRecord{}
	m.SetPath("/proc")

	assert.NoError(t, dumpEmptyPseudoFS(m, nil))
}

func TestDumpEmptyPseudoFSRejectsNonEmptyDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	orig := ContentFS
	ContentFS = fs
	defer func() { ContentFS = orig }()

	require.NoError(t, fs.MkdirAll("/proc", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/proc/stray", []byte("x"), 0o644))

	m := &domain.MountRecord{}
	m.SetPath("/proc")

	err := dumpEmptyPseudoFS(m, nil)
	require.Error(t, err)
}
