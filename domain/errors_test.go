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

package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nestybox/mnt-ckpt/domain"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		want string
	}{
		{domain.KindParse, "parse"},
		{domain.KindTopology, "topology"},
		{domain.KindCapability, "capability"},
		{domain.KindConsistency, "consistency"},
		{domain.KindProgress, "progress"},
		{domain.KindIO, "io"},
		{domain.KindPluginDecline, "plugin-decline"},
		{domain.Kind(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")

	e1 := domain.NewError("mount.BuildTree", domain.KindTopology, cause)
	assert.Equal(t, "mount.BuildTree: topology error: boom", e1.Error())

	e2 := domain.NewError("mount.BuildTree", domain.KindTopology, nil)
	assert.Equal(t, "mount.BuildTree: topology error", e2.Error())

	e3 := domain.NewMountError("mount.Validate", domain.KindCapability, 42, cause)
	assert.Equal(t, "mount.Validate: capability error on mount 42: boom", e3.Error())

	e4 := domain.NewMountError("mount.Validate", domain.KindCapability, 42, nil)
	assert.Equal(t, "mount.Validate: capability error on mount 42", e4.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := domain.NewError("op", domain.KindIO, cause)

	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestErrorIsComparesByKind(t *testing.T) {
	a := domain.NewMountError("op-a", domain.KindTopology, 1, errors.New("x"))
	b := domain.NewMountError("op-b", domain.KindTopology, 2, errors.New("y"))
	c := domain.NewError("op-c", domain.KindIO, nil)

	assert.True(t, errors.Is(a, b), "errors with the same Kind should compare equal")
	assert.False(t, errors.Is(a, c), "errors with different Kind should not compare equal")

	plain := errors.New("plain")
	assert.False(t, errors.Is(a, plain))
}
