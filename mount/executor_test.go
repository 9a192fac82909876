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

// mountRoot/mountFresh/mountBind's External and default branches issue
// real unix.Mount calls and need CAP_SYS_ADMIN; they are left to
// integration testing, consistent with mount/restore_test.go's scoping
// decision. Everything below is pure in-memory graph logic, plus the one
// mountBind branch (NeedPlugin with no plugin configured) that returns
// before ever reaching a syscall.
package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/mnt-ckpt/domain"
)

func TestCanMountNowRoot(t *testing.T) {
	assert.True(t, canMountNow(&domain.MountRecord{}))
}

func TestCanMountNowFsrootNoMaster(t *testing.T) {
	m := rec(2, 1, "/a")
	parent := rec(1, 1, "/")
	m.Parent = parent
	assert.True(t, canMountNow(m))
}

func TestCanMountNowFsrootWithMasterDefers(t *testing.T) {
	m := rec(2, 1, "/a")
	m.Parent = rec(1, 1, "/")
	m.MasterID = 9
	assert.False(t, canMountNow(m))
}

func TestCanMountNowBindSourceExternalOrPlugin(t *testing.T) {
	base := func() *domain.MountRecord {
		m := rec(2, 1, "/a")
		m.Parent = rec(1, 1, "/")
		m.Root = "/sub"
		return m
	}

	withBind := base()
	withBind.BindSource = rec(3, 1, "/b")
	assert.True(t, canMountNow(withBind))

	withPlugin := base()
	withPlugin.NeedPlugin = true
	assert.True(t, canMountNow(withPlugin))

	withExternal := base()
	withExternal.External = true
	assert.True(t, canMountNow(withExternal))

	bare := base()
	assert.False(t, canMountNow(bare))
}

func TestAllParentPeersMounted(t *testing.T) {
	parent := rec(1, 1, "/")
	peerA := rec(2, 1, "/a")
	peerB := rec(3, 1, "/b")
	parent.Peers = []*domain.MountRecord{peerA, peerB}

	assert.False(t, allParentPeersMounted(parent))

	peerA.Mounted = true
	peerB.Mounted = true
	assert.True(t, allParentPeersMounted(parent))
}

func TestBindSourcePathNoRemainder(t *testing.T) {
	bs := rec(1, 1, "/mnt/bs")
	bs.Root = "/x"
	m := rec(2, 1, "/m")
	m.Root = "/x"
	m.BindSource = bs

	assert.Equal(t, "/mnt/bs", bindSourcePath(m))
}

func TestBindSourcePathWithRemainder(t *testing.T) {
	bs := rec(1, 1, "/mnt/bs")
	bs.Root = "/x"
	m := rec(2, 1, "/m")
	m.Root = "/x/y/z"
	m.BindSource = bs

	assert.Equal(t, "/mnt/bs/y/z", bindSourcePath(m))
}

func TestCommonPrefix(t *testing.T) {
	assert.Equal(t, "/a/b", commonPrefix("/a/b/c", "/a/b/d"))
	assert.Equal(t, "", commonPrefix("/a", "/b"))
	assert.Equal(t, "/a", commonPrefix("/a", "/a"))
}

func TestFsDataOptionsFiltersFlagsAndRW(t *testing.T) {
	m := &domain.MountRecord{Options: "rw,noatime,size=1024k,relatime"}
	assert.Equal(t, "size=1024k", fsDataOptions(m))
}

func TestFsDataOptionsDeterministic(t *testing.T) {
	m := &domain.MountRecord{Options: "size=1024k,mode=0755,uid=1000"}
	want := fsDataOptions(m)
	for i := 0; i < 10; i++ {
		assert.Equal(t, want, fsDataOptions(m))
	}
}

func TestPathBasename(t *testing.T) {
	assert.Equal(t, "c", pathBasename("/a/b/c"))
	assert.Equal(t, "a", pathBasename("a"))
	assert.Equal(t, "", pathBasename("/a/b/"))
}

func TestMountsEquivalent(t *testing.T) {
	m := rec(1, 1, "/p1/x")
	m.SDev = domain.DevID{Major: 8, Minor: 1}
	m.FSType = domain.FSProc
	m.Source = "none"
	m.Options = "rw"
	m.Root = "/"

	same := rec(2, 1, "/p2/x")
	same.SDev = m.SDev
	same.FSType = m.FSType
	same.Source = m.Source
	same.Options = m.Options
	same.Root = "/"

	assert.True(t, mountsEquivalent(m, same))

	differentBasename := rec(3, 1, "/p2/y")
	differentBasename.SDev = m.SDev
	differentBasename.FSType = m.FSType
	differentBasename.Source = m.Source
	differentBasename.Options = m.Options
	differentBasename.Root = "/"
	assert.False(t, mountsEquivalent(m, differentBasename))

	differentRoot := rec(4, 1, "/p2/x")
	differentRoot.SDev = m.SDev
	differentRoot.FSType = m.FSType
	differentRoot.Source = m.Source
	differentRoot.Options = m.Options
	differentRoot.Root = "/other"
	assert.False(t, mountsEquivalent(m, differentRoot))

	differentDev := rec(5, 1, "/p2/x")
	differentDev.SDev = domain.DevID{Major: 9, Minor: 9}
	differentDev.FSType = m.FSType
	differentDev.Source = m.Source
	differentDev.Options = m.Options
	differentDev.Root = "/"
	assert.False(t, mountsEquivalent(m, differentDev))
}

func TestPropagateSiblingsMarksEquivalentPeerChildMountedTransitively(t *testing.T) {
	parent1 := rec(1, 1, "/p1")
	parent2 := rec(2, 1, "/p2")
	parent1.Peers = []*domain.MountRecord{parent2}
	parent2.Peers = []*domain.MountRecord{parent1}

	m := rec(3, 1, "/p1/x")
	m.Parent = parent1
	m.SDev = domain.DevID{Major: 8, Minor: 1}
	m.Root = "/"

	c := rec(4, 2, "/p2/x")
	c.Parent = parent2
	c.SDev = m.SDev
	c.Root = "/"
	parent2.Children = []*domain.MountRecord{c}

	grandchild := rec(5, 4, "/p2/x/y")
	grandchild.Parent = c
	c.Children = []*domain.MountRecord{grandchild}

	propagateSiblings(m)

	assert.True(t, c.Mounted)
	assert.True(t, grandchild.Mounted)
}

func TestPropagateSiblingsIgnoresNonEquivalentChild(t *testing.T) {
	parent1 := rec(1, 1, "/p1")
	parent2 := rec(2, 1, "/p2")
	parent1.Peers = []*domain.MountRecord{parent2}

	m := rec(3, 1, "/p1/x")
	m.Parent = parent1

	unrelated := rec(4, 2, "/p2/y")
	unrelated.Parent = parent2
	parent2.Children = []*domain.MountRecord{unrelated}

	propagateSiblings(m)

	assert.False(t, unrelated.Mounted)
}

func TestMarkMountedTransitively(t *testing.T) {
	root := rec(1, 1, "/")
	child := rec(2, 1, "/a")
	grandchild := rec(3, 2, "/a/b")
	root.Children = []*domain.MountRecord{child}
	child.Children = []*domain.MountRecord{grandchild}

	markMountedTransitively(root)

	assert.True(t, root.Mounted)
	assert.True(t, child.Mounted)
	assert.True(t, grandchild.Mounted)
}

func TestMarkMountedTransitivelyStopsAtAlreadyMounted(t *testing.T) {
	root := rec(1, 1, "/")
	child := rec(2, 1, "/a")
	grandchild := rec(3, 2, "/a/b")
	root.Children = []*domain.MountRecord{child}
	child.Children = []*domain.MountRecord{grandchild}
	child.Mounted = true

	markMountedTransitively(root)

	assert.True(t, root.Mounted)
	assert.True(t, child.Mounted)
	// child was already mounted, so its subtree is never visited.
	assert.False(t, grandchild.Mounted)
}

func TestPropagateToSlaves(t *testing.T) {
	peer := rec(1, 1, "/p")
	slave := rec(2, 1, "/s")
	peer.Slaves = []*domain.MountRecord{slave}
	source := rec(3, 1, "/src")

	propagateToSlaves(peer, source)

	assert.Same(t, source, slave.BindSource)
}

func TestPropagateToSlavesSkipsAlreadyMountedOrAssigned(t *testing.T) {
	peer := rec(1, 1, "/p")
	mountedSlave := rec(2, 1, "/s1")
	mountedSlave.Mounted = true
	assignedSlave := rec(3, 1, "/s2")
	existing := rec(4, 1, "/existing")
	assignedSlave.BindSource = existing
	peer.Slaves = []*domain.MountRecord{mountedSlave, assignedSlave}

	propagateToSlaves(peer, rec(5, 1, "/src"))

	assert.Nil(t, mountedSlave.BindSource)
	assert.Same(t, existing, assignedSlave.BindSource)
}

func TestPropagateFsrootBinds(t *testing.T) {
	m := rec(1, 1, "/")
	plain := rec(2, 1, "/b1")
	m.Binds = []*domain.MountRecord{plain}

	propagateFsrootBinds(m)

	assert.Same(t, m, plain.BindSource)
}

func TestPropagateFsrootBindsSkipsMountedOrMasteredOrAssigned(t *testing.T) {
	m := rec(1, 1, "/")
	mountedBind := rec(2, 1, "/b1")
	mountedBind.Mounted = true
	masteredBind := rec(3, 1, "/b2")
	masteredBind.MasterPeer = rec(9, 1, "/master")
	assignedBind := rec(4, 1, "/b3")
	existing := rec(5, 1, "/existing")
	assignedBind.BindSource = existing
	m.Binds = []*domain.MountRecord{mountedBind, masteredBind, assignedBind}

	propagateFsrootBinds(m)

	assert.Nil(t, mountedBind.BindSource)
	assert.Nil(t, masteredBind.BindSource)
	assert.Same(t, existing, assignedBind.BindSource)
}

func TestPropagateAfterMountAssignsBindSourceToPeersAndSlaves(t *testing.T) {
	m := rec(1, 1, "/m")
	peer := rec(2, 1, "/peer")
	slave := rec(3, 1, "/slave")
	peer.Slaves = []*domain.MountRecord{slave}
	m.Peers = []*domain.MountRecord{peer}
	m.Parent = rec(9, 1, "/")

	propagateAfterMount(m)

	assert.Same(t, m, peer.BindSource)
	assert.Same(t, m, slave.BindSource)
}

func TestUmountFromSlavesUnmountsEquivalentMountedChild(t *testing.T) {
	parent := rec(1, 1, "/parent")
	slave := rec(2, 1, "/slave")
	parent.Slaves = []*domain.MountRecord{slave}

	m := rec(3, 1, "/parent/x")
	m.Parent = parent
	m.Root = "/"

	c := rec(4, 2, "/slave/x")
	c.Root = "/"
	c.Mounted = true
	slave.Children = []*domain.MountRecord{c}

	umountFromSlaves(m)

	assert.False(t, c.Mounted)
}

func TestUmountFromSlavesLeavesNonEquivalentChildAlone(t *testing.T) {
	parent := rec(1, 1, "/parent")
	slave := rec(2, 1, "/slave")
	parent.Slaves = []*domain.MountRecord{slave}

	m := rec(3, 1, "/parent/x")
	m.Parent = parent

	c := rec(4, 2, "/slave/y")
	c.Mounted = true
	slave.Children = []*domain.MountRecord{c}

	umountFromSlaves(m)

	assert.True(t, c.Mounted)
}

func TestExecutorVisitShortCircuitsAlreadyMounted(t *testing.T) {
	e := &Executor{}
	m := rec(1, 1, "/a")
	m.Mounted = true

	verdict, err := e.Visit(m)
	require.NoError(t, err)
	assert.Equal(t, Ok, verdict)
}

func TestExecutorVisitDefersWhenNotMountable(t *testing.T) {
	e := &Executor{}
	m := rec(2, 1, "/a")
	m.Parent = rec(1, 1, "/")
	m.Root = "/sub"

	verdict, err := e.Visit(m)
	require.NoError(t, err)
	assert.Equal(t, Defer, verdict)
}

func TestExecutorVisitDefersOnUnmountedParentPeers(t *testing.T) {
	e := &Executor{}
	parent := rec(1, 1, "/")
	parent.SharedID = 5
	peer := rec(9, 1, "/peer")
	parent.Peers = []*domain.MountRecord{peer}

	m := rec(2, 1, "/a")
	m.Parent = parent

	verdict, err := e.Visit(m)
	require.NoError(t, err)
	assert.Equal(t, Defer, verdict)
}

func TestExecutorMountBindFailsCapabilityWhenPluginMissing(t *testing.T) {
	e := &Executor{}
	m := rec(2, 1, "/a")
	m.Parent = rec(1, 1, "/")
	m.Root = "/sub"
	m.NeedPlugin = true

	err := e.mountBind(m)
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindCapability, derr.Kind)
}
