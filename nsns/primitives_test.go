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

// Create, Enter, and Pivot all require CAP_SYS_ADMIN (unshare/setns/
// pivot_root) and are left to integration testing; only the
// non-privileged helpers below are unit-tested here.
package nsns

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePath(t *testing.T) {
	assert.Equal(t, "/proc/1234/ns/mnt", handlePath(1234))
}

func TestFilepathBase(t *testing.T) {
	assert.Equal(t, "foo", filepathBase("/a/b/foo"))
	assert.Equal(t, "foo", filepathBase("foo"))
	assert.Equal(t, "", filepathBase("/a/b/"))
}

func TestCurrentNSID(t *testing.T) {
	nsid, err := currentNSID()
	require.NoError(t, err)
	assert.NotZero(t, nsid)

	self, err := os.Readlink("/proc/thread-self/ns/mnt")
	require.NoError(t, err)
	assert.NotEmpty(t, self)
}
