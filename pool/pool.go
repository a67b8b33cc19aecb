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

/*
Package pool contains counters for finite, fungible resources.

A [Pool] tracks the available units of a single resource type and a
[Slots] value tracks integer occupancy of parallel capacity (docks,
bays, seats). Neither type is internally synchronized: both are meant
to be owned by a single monitor-style critical section, such as the one
maintained by
[github.com/cockroachdb/field-eng-admission/admission.Station], which
routinely evaluates predicates spanning several pools at once and
therefore needs one mutual-exclusion domain around all of them.
*/
package pool

import "fmt"

// A Pool counts the available units of one fungible resource. The
// invariant 0 <= available <= capacity holds before and after every
// method call.
//
// A Pool is not internally synchronized. Callers must hold whatever
// lock guards the enclosing monitor.
type Pool struct {
	capacity  uint64
	available uint64
}

// New constructs a Pool that starts full.
func New(capacity uint64) *Pool {
	return &Pool{capacity: capacity, available: capacity}
}

// NewWith constructs a Pool with the given starting level, for
// resources that only exist once a producer deposits them. It panics
// if available exceeds capacity.
func NewWith(capacity, available uint64) *Pool {
	if available > capacity {
		panic(fmt.Sprintf("pool level %d exceeds capacity %d", available, capacity))
	}
	return &Pool{capacity: capacity, available: available}
}

// Available returns the number of units not currently held.
func (p *Pool) Available() uint64 { return p.available }

// Capacity returns the fixed capacity the Pool was created with.
func (p *Pool) Capacity() uint64 { return p.capacity }

// TryTake removes amount units if at least that many are available. It
// returns false, with no side effects, otherwise.
func (p *Pool) TryTake(amount uint64) bool {
	if amount > p.available {
		return false
	}
	p.available -= amount
	return true
}

// TryReserve adds amount units if the pool has space for them, i.e. if
// available+amount <= capacity. It returns false, with no side
// effects, otherwise. Reserving space and adding the resource are a
// single step; there is no two-phase deposit.
func (p *Pool) TryReserve(amount uint64) bool {
	if p.available+amount > p.capacity {
		return false
	}
	p.available += amount
	return true
}

// Give returns amount previously-taken units to the pool. Giving back
// more than was taken would push available past capacity; that is a
// mismatched take/give pairing in the caller, so Give panics rather
// than clamping.
func (p *Pool) Give(amount uint64) {
	if p.available+amount > p.capacity {
		panic(fmt.Sprintf(
			"pool overflow: give %d with %d of %d available",
			amount, p.available, p.capacity))
	}
	p.available += amount
}
