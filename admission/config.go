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

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned, wrapped with detail, by [New] when
	// a station configuration cannot be started.
	ErrInvalidConfig = errors.New("invalid station configuration")

	// ErrExceedsCapacity is returned, wrapped with detail, by
	// [Station.Acquire] and [Station.Deposit] for a request that asks
	// for more of a pool than the pool can ever hold. Such a request
	// fails synchronously; it is never enqueued.
	ErrExceedsCapacity = errors.New("request exceeds pool capacity")

	// ErrUnknownPool is returned, wrapped with detail, for a request
	// that names a pool the station does not own.
	ErrUnknownPool = errors.New("unknown pool")
)

// Fairness selects the grant-ordering policy of a [Station].
type Fairness int

const (
	// Unordered provides no ordering among blocked requesters: a
	// release wakes every waiter and whichever finds its predicate
	// true first wins. This is the cheapest policy; a persistently
	// unlucky requester can starve.
	Unordered Fairness = iota

	// FCFSGlobal issues one ticket stream across all requesters and
	// grants strictly in ticket order, regardless of which pools each
	// requester touches. A requester whose pools are free still waits
	// for its turn behind earlier tickets, so unrelated grants are
	// serialized in exchange for strict first-come-first-served order.
	FCFSGlobal

	// FCFSPerPool issues a ticket stream per pool (and one for slots).
	// A requester is granted when it is at the head of every stream it
	// touches, which keeps FCFS order within each pool while letting
	// requesters of disjoint pools proceed concurrently. Tickets are
	// drawn in a single order under the station lock, so overlapping
	// requesters can never deadlock on each other.
	FCFSPerPool
)

func (f Fairness) String() string {
	switch f {
	case Unordered:
		return "unordered"
	case FCFSGlobal:
		return "fcfs-global"
	case FCFSPerPool:
		return "fcfs-per-pool"
	default:
		return fmt.Sprintf("fairness(%d)", int(f))
	}
}

// A PoolSpec describes one resource pool: its fixed capacity and its
// starting level.
type PoolSpec struct {
	Capacity  uint64
	Available uint64
}

// Full returns a PoolSpec that starts with every unit available.
func Full(capacity uint64) PoolSpec {
	return PoolSpec{Capacity: capacity, Available: capacity}
}

// Empty returns a PoolSpec that starts with nothing available, for
// resources that only exist once a producer deposits them.
func Empty(capacity uint64) PoolSpec {
	return PoolSpec{Capacity: capacity}
}

// Config describes the pools and slots a [Station] will gate. Pools
// and slots are fixed at construction; a Station is never resized.
type Config struct {
	// Pools maps pool names to their capacities and starting levels.
	Pools map[string]PoolSpec

	// Slots is the maximum number of concurrently admitted slot
	// holders. Zero means the station gates no slots; a station must
	// have at least one pool or a positive slot maximum.
	Slots int

	// SlotClasses optionally caps slot occupancy per requester class,
	// e.g. at most two trucks in a five-bay yard. Every cap must be
	// positive and no larger than Slots.
	SlotClasses map[string]int

	// Fairness selects the grant-ordering policy.
	Fairness Fairness
}

func (c *Config) validate() error {
	if len(c.Pools) == 0 && c.Slots == 0 {
		return fmt.Errorf("%w: no pools and no slots", ErrInvalidConfig)
	}
	for name, spec := range c.Pools {
		if spec.Capacity == 0 {
			return fmt.Errorf("%w: pool %q has zero capacity", ErrInvalidConfig, name)
		}
		if spec.Available > spec.Capacity {
			return fmt.Errorf("%w: pool %q starts at %d of %d",
				ErrInvalidConfig, name, spec.Available, spec.Capacity)
		}
	}
	if c.Slots < 0 {
		return fmt.Errorf("%w: negative slot maximum %d", ErrInvalidConfig, c.Slots)
	}
	if len(c.SlotClasses) > 0 && c.Slots == 0 {
		return fmt.Errorf("%w: slot classes without slots", ErrInvalidConfig)
	}
	for class, limit := range c.SlotClasses {
		if limit <= 0 {
			return fmt.Errorf("%w: class %q has non-positive cap %d",
				ErrInvalidConfig, class, limit)
		}
		if limit > c.Slots {
			return fmt.Errorf("%w: class %q cap %d exceeds slot maximum %d",
				ErrInvalidConfig, class, limit, c.Slots)
		}
	}
	switch c.Fairness {
	case Unordered, FCFSGlobal, FCFSPerPool:
	default:
		return fmt.Errorf("%w: unknown fairness policy %d", ErrInvalidConfig, c.Fairness)
	}
	return nil
}
