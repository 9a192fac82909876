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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nestybox/mnt-ckpt/domain"
)

// Open's childless path never calls unix.Mount, so it is exercisable
// without CAP_SYS_ADMIN; the bind-into-scratch path (len(m.Children) > 0)
// needs a real mount namespace and is left to integration testing.

func TestOpenChildlessMountReturnsPathDirectly(t *testing.T) {
	dir := t.TempDir()

	var st unix.Stat_t
	require.NoError(t, unix.Stat(dir, &st))

	m := &domain.MountRecord{
		SDev: domain.DevID{
			Major: uint32(unix.Major(uint64(st.Dev))),
			Minor: uint32(unix.Minor(uint64(st.Dev))),
		},
	}
	m.SetPath(dir)

	path, cleanup, err := Open(m, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, dir, path)
	assert.NoError(t, cleanup())
}

func TestOpenChildlessMountDevMismatchFails(t *testing.T) {
	dir := t.TempDir()

	m := &domain.MountRecord{SDev: domain.DevID{Major: 9999, Minor: 9999}}
	m.SetPath(dir)

	_, _, err := Open(m, t.TempDir())
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindIO, derr.Kind)
}
