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

// Package ticket implements a take-a-number sequencer for
// first-come-first-served admission ordering.
package ticket

import "fmt"

// A Sequencer issues strictly increasing ticket numbers and maintains
// a now-serving cursor that advances over one completed (or abandoned)
// ticket at a time. A waiter proceeds only when its ticket matches the
// cursor, which gives strict FCFS ordering among all ticket holders.
//
// A Sequencer is not internally synchronized; it is owned by the
// monitor whose lock already guards its wait predicates.
type Sequencer struct {
	nextTicket uint64
	nowServing uint64

	// Tickets whose holders gave up before being served. The cursor
	// steps over these instead of waiting for a holder that will never
	// return.
	abandoned map[uint64]struct{}
}

// NewSequencer constructs a Sequencer with no tickets issued.
func NewSequencer() *Sequencer {
	return &Sequencer{abandoned: make(map[uint64]struct{})}
}

// Next issues the next ticket. Each waiter calls this once, when it
// first enqueues.
func (s *Sequencer) Next() uint64 {
	t := s.nextTicket
	s.nextTicket++
	return t
}

// IsTurn returns true if the given ticket is the one being served.
func (s *Sequencer) IsTurn(t uint64) bool { return t == s.nowServing }

// NowServing returns the ticket currently being served.
func (s *Sequencer) NowServing() uint64 { return s.nowServing }

// Advance moves the cursor past the ticket being served, stepping over
// any abandoned tickets that follow it. Called exactly once per served
// ticket. Advancing past tickets that were never issued is a pairing
// bug in the caller, so Advance panics.
func (s *Sequencer) Advance() {
	if s.nowServing >= s.nextTicket {
		panic(fmt.Sprintf(
			"sequencer advanced past last issued ticket %d", s.nextTicket))
	}
	s.nowServing++
	s.skipAbandoned()
}

// Abandon marks an unserved ticket as given up, so that the cursor
// will not wait for its holder. Abandoning the ticket being served
// advances the cursor immediately.
func (s *Sequencer) Abandon(t uint64) {
	if t < s.nowServing {
		// Already served; nothing to skip.
		return
	}
	s.abandoned[t] = struct{}{}
	s.skipAbandoned()
}

func (s *Sequencer) skipAbandoned() {
	for {
		if _, ok := s.abandoned[s.nowServing]; !ok {
			return
		}
		delete(s.abandoned, s.nowServing)
		s.nowServing++
	}
}
