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

package pool

import "fmt"

// Slots tracks integer occupancy of parallel capacity, optionally with
// per-class caps: a repair yard with five bays may still admit at most
// two trucks at a time. The invariants 0 <= occupied <= max and, for
// every class c, 0 <= occupiedByClass[c] <= classMax[c] hold before
// and after every method call.
//
// Like [Pool], a Slots value is not internally synchronized.
type Slots struct {
	max      int
	occupied int

	classMax      map[string]int
	classOccupied map[string]int
}

// NewSlots constructs a Slots value with the given overall maximum.
// classMax may be nil; when present, each entry caps how many
// occupants of that class may hold slots at once. Callers are expected
// to validate that every class cap fits under max before construction.
func NewSlots(max int, classMax map[string]int) *Slots {
	s := &Slots{max: max, classOccupied: make(map[string]int, len(classMax))}
	if len(classMax) > 0 {
		s.classMax = make(map[string]int, len(classMax))
		for class, limit := range classMax {
			s.classMax[class] = limit
		}
	}
	return s
}

// Max returns the overall slot maximum.
func (s *Slots) Max() int { return s.max }

// Occupied returns the number of currently held slots.
func (s *Slots) Occupied() int { return s.occupied }

// OccupiedByClass returns the number of slots held by the given class.
func (s *Slots) OccupiedByClass(class string) int {
	return s.classOccupied[class]
}

// CanOccupy reports whether a slot is available for class under both
// the overall maximum and the class cap (when one exists). The empty
// class is subject only to the overall maximum.
func (s *Slots) CanOccupy(class string) bool {
	if s.occupied >= s.max {
		return false
	}
	if class != "" {
		if limit, ok := s.classMax[class]; ok && s.classOccupied[class] >= limit {
			return false
		}
	}
	return true
}

// TryOccupy claims one slot for class if [Slots.CanOccupy] allows it.
func (s *Slots) TryOccupy(class string) bool {
	if !s.CanOccupy(class) {
		return false
	}
	s.occupied++
	if class != "" {
		s.classOccupied[class]++
	}
	return true
}

// Release returns one slot held by class. Releasing a slot that was
// never occupied is a mismatched occupy/release pairing in the caller,
// so Release panics.
func (s *Slots) Release(class string) {
	if s.occupied <= 0 {
		panic("slot underflow: release with no occupied slots")
	}
	s.occupied--
	if class != "" {
		if s.classOccupied[class] <= 0 {
			panic(fmt.Sprintf("slot underflow: release of unoccupied class %q", class))
		}
		s.classOccupied[class]--
	}
}
