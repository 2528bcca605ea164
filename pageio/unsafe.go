// Copyright 2024 The ViewCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pageio

import "unsafe"

// unsafeBase returns the address of the first byte of b. A view's base
// address (spec §3 "base_addr") must stay stable for the region's entire
// lifetime, which holds here because the region's backing slice is never
// reallocated: UnixSource never appends to or re-slices r.mem after
// ReserveVA returns it.
func unsafeBase(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
