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

import "errors"

var (
	errNoNamespaceSources   = errors.New("dump requires at least one namespace source")
	errNoRoot               = errors.New("no namespace root mount found")
	errMultipleRoots        = errors.New("more than one namespace root mount found")
	errOrphanRecord         = errors.New("mount record's parent id does not resolve and it is not a namespace root")
	errNestedRootBeforeRoot = errors.New("nested namespace root encountered before outer root")
	errNestedRootMismatch   = errors.New("nested namespaces with different roots unsupported")
	errUnreachableSharing   = errors.New("unreachable sharing: no peer found for master id")
	errDivergentChildren    = errors.New("shared mounts have different children")
	errNoProperRoot         = errors.New("no proper root mount")
	errOvermount            = errors.New("sibling mountpoint overmounts another")
)
