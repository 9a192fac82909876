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

package nsns

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nestybox/mnt-ckpt/domain"
)

// RootsYard is the scratch directory tree described in §5/§6: a hidden
// directory created under a caller-specified parent, mounted as a private
// tmpfs so work done inside it never propagates anywhere else, with one
// subdirectory per non-root namespace being reconstructed.
type RootsYard struct {
	Path string

	mu      sync.Mutex
	cells   map[int]*CreationCell
	mounted bool
}

// NewRootsYard creates the yard under parent, named with a
// collision-free uuid-derived suffix (replacing the original's
// mkdtemp-style random-suffix naming), and mounts a private tmpfs there.
func NewRootsYard(parent string) (*RootsYard, error) {
	path := filepath.Join(parent, ".mnt-ckpt-yard-"+uuid.NewString())

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("nsns.NewRootsYard: mkdir: %w", err)
	}

	if err := unix.Mount("tmpfs", path, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("nsns.NewRootsYard: mount: %w", err)
	}

	if err := unix.Mount("", path, "", unix.MS_PRIVATE, ""); err != nil {
		unix.Unmount(path, unix.MNT_DETACH)
		os.RemoveAll(path)
		return nil, fmt.Errorf("nsns.NewRootsYard: make-private: %w", err)
	}

	return &RootsYard{
		Path:    path,
		cells:   make(map[int]*CreationCell),
		mounted: true,
	}, nil
}

// Subtree creates (if absent) and returns the path of nsid's subdirectory
// within the yard.
func (y *RootsYard) Subtree(nsid int) (string, error) {
	sub := filepath.Join(y.Path, fmt.Sprintf("ns-%d", nsid))
	if err := os.MkdirAll(sub, 0o700); err != nil {
		return "", fmt.Errorf("nsns.RootsYard.Subtree: %w", err)
	}
	return sub, nil
}

// Cell returns nsid's creation cell, creating it on first use.
func (y *RootsYard) Cell(nsid int) domain.Cell {
	y.mu.Lock()
	defer y.mu.Unlock()

	c, ok := y.cells[nsid]
	if !ok {
		c = NewCreationCell()
		y.cells[nsid] = c
	}
	return c
}

// Teardown removes every subdirectory, unmounts the yard's tmpfs, and
// removes the yard directory itself.
func (y *RootsYard) Teardown() error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.mounted {
		if err := unix.Unmount(y.Path, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("nsns.RootsYard.Teardown: unmount: %w", err)
		}
		y.mounted = false
	}

	return os.RemoveAll(y.Path)
}

// CreationCell is the cross-task synchronization primitive of §5: a
// namespace's cell transitions exactly once, from zero to one; no other
// states exist. It is the idiomatic Go equivalent of the spec's
// "shared futex-like cell" — a channel close broadcasts the transition to
// every waiter without a wakeup race.
type CreationCell struct {
	once sync.Once
	done chan struct{}
}

func NewCreationCell() *CreationCell {
	return &CreationCell{done: make(chan struct{})}
}

// Set performs the zero->one transition. Calling Set more than once is a
// no-op (the transition happens at most once, as the invariant requires).
func (c *CreationCell) Set() {
	c.once.Do(func() { close(c.done) })
}

// Wait blocks until Set has been called.
func (c *CreationCell) Wait() {
	<-c.done
}

// Created reports whether Set has already been called, without blocking.
func (c *CreationCell) Created() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
