// Copyright 2025 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package admission

// A Request describes what one requester wants from a [Station]: an
// amount per named pool and, optionally, one occupancy slot. The
// station only reads a Request, so the same value must be passed to
// the [Station.Release] that pairs with a successful
// [Station.Acquire].
type Request struct {
	// ID identifies the requester in event callbacks. The station
	// itself attaches no meaning to it.
	ID string

	// Wants maps pool names to the amounts to take (for Acquire) or
	// add (for Deposit). Zero-valued entries are permitted and gate
	// nothing.
	Wants map[string]uint64

	// Slot requests one occupancy slot in addition to the pool
	// amounts. Ignored by Deposit.
	Slot bool

	// SlotClass subjects the slot request to that class's occupancy
	// cap, when the station configures one. Empty means uncapped.
	SlotClass string
}
