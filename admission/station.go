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
Package admission implements a monitor that gates concurrent access to
finite resource pools and occupancy slots.

A [Station] owns one or more named [pool.Pool] values and at most one
[pool.Slots] value. Requesters call [Station.Acquire] with the amounts
they want from each pool; the call blocks until every amount (and the
slot, when requested) can be granted at once, takes everything inside a
single critical section, and returns. [Station.Release] gives the
grant back and wakes all waiters. Producers call [Station.Deposit],
which blocks while any deposited amount would overflow its pool.

Grants are all-or-nothing: no observer ever sees a requester holding
some but not all of what it asked for. A single mutex guards every
pool, slot and ticket cursor, because acquire predicates routinely
span several pools at once and per-pool locks would reintroduce the
lock-ordering deadlocks this design exists to avoid. All blocking
happens outside that mutex, in the classic re-check loop, so the
critical section is only ever a handful of counter updates.

A simplified fuel station might look like this:

	station, _ := admission.New(&admission.Config{
		Pools: map[string]admission.PoolSpec{
			"nitrogen": admission.Full(5000),
			"quantum":  admission.Full(2000),
		},
		Slots: 5,
	})

	req := &admission.Request{
		ID:    "vehicle-1",
		Wants: map[string]uint64{"nitrogen": 300, "quantum": 150},
		Slot:  true,
	}
	if err := station.Acquire(ctx, req); err != nil {
		return err
	}
	refuel()
	station.Release(req)
*/
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/field-eng-admission/pool"
	"github.com/cockroachdb/field-eng-admission/ticket"
)

// A Station gates admission to a fixed set of resource pools and
// occupancy slots. It is internally synchronized and must not be
// copied after construction.
type Station struct {
	events   *Events
	fairness Fairness

	mu struct {
		sync.Mutex

		pools map[string]*pool.Pool
		slots *pool.Slots // nil when the station gates no slots

		// Exactly one of these ticket layouts is populated, per the
		// fairness policy.
		seq     *ticket.Sequencer            // FCFSGlobal
		poolSeq map[string]*ticket.Sequencer // FCFSPerPool
		slotSeq *ticket.Sequencer            // FCFSPerPool

		// Closed and replaced on every state change. Waiters block on
		// the channel captured during their last predicate check.
		changed chan struct{}
	}
}

// New constructs a Station from the given configuration. A
// configuration that could never serve requests is rejected with
// [ErrInvalidConfig]; the station does not start.
func New(cfg *Config) (*Station, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Station{fairness: cfg.Fairness}
	s.mu.pools = make(map[string]*pool.Pool, len(cfg.Pools))
	for name, spec := range cfg.Pools {
		s.mu.pools[name] = pool.NewWith(spec.Capacity, spec.Available)
	}
	if cfg.Slots > 0 {
		s.mu.slots = pool.NewSlots(cfg.Slots, cfg.SlotClasses)
	}
	switch cfg.Fairness {
	case FCFSGlobal:
		s.mu.seq = ticket.NewSequencer()
	case FCFSPerPool:
		s.mu.poolSeq = make(map[string]*ticket.Sequencer, len(cfg.Pools))
		for name := range cfg.Pools {
			s.mu.poolSeq[name] = ticket.NewSequencer()
		}
		s.mu.slotSeq = ticket.NewSequencer()
	}
	s.mu.changed = make(chan struct{})
	return s, nil
}

// SetEvents injects tracing callbacks. This method should be called
// before any requester uses the Station.
func (s *Station) SetEvents(events *Events) {
	s.events = events
}

// Acquire blocks until every amount in req.Wants and the slot, when
// req.Slot is set, can be granted simultaneously, then takes them all
// within one critical section. It returns nil once the grant is held.
//
// A request that could never be satisfied fails immediately with
// [ErrExceedsCapacity] or [ErrUnknownPool] rather than blocking
// forever. If ctx is canceled while waiting, Acquire returns ctx's
// error having granted nothing, and any fairness ticket the request
// drew is abandoned so later requesters are not wedged behind it.
//
// Under the FCFSGlobal policy a requester that calls Acquire again
// while still holding an earlier grant waits behind its own ticket
// and deadlocks. Multi-stage holders should use FCFSPerPool, keeping
// their stages on disjoint pools, or Unordered.
func (s *Station) Acquire(ctx context.Context, req *Request) error {
	if err := s.ValidateAcquire(req); err != nil {
		return err
	}
	start := time.Now()
	s.mu.Lock()
	t := s.drawTurnLocked(req)
	blocked := false
	for {
		if s.canAdmitLocked(req, t) {
			s.admitLocked(req)
			s.mu.Unlock()
			s.events.doAdmit(req, time.Since(start))
			return nil
		}
		ch := s.mu.changed
		s.mu.Unlock()
		if !blocked {
			blocked = true
			s.events.doWait(req)
		}
		select {
		case <-ch:
			// Re-check. The wakeup is a broadcast, so the predicate
			// may well still be false.
		case <-ctx.Done():
			s.mu.Lock()
			s.abandonTurnLocked(t)
			s.broadcastLocked()
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// Release returns a grant previously obtained from [Station.Acquire].
// The request must be the same value that was granted. Release never
// blocks. Releasing amounts that were never granted is a mismatched
// pairing in the driver and panics.
func (s *Station) Release(req *Request) {
	s.mu.Lock()
	for name, amount := range req.Wants {
		p, ok := s.mu.pools[name]
		if !ok {
			panic(fmt.Sprintf("release of unknown pool %q", name))
		}
		p.Give(amount)
	}
	if req.Slot {
		s.mu.slots.Release(req.SlotClass)
	}
	switch s.fairness {
	case FCFSGlobal:
		// Only the served ticket's holder can have been granted, so
		// the releaser is necessarily the requester being served.
		s.mu.seq.Advance()
	case FCFSPerPool:
		for name, amount := range req.Wants {
			if amount > 0 {
				s.mu.poolSeq[name].Advance()
			}
		}
		if req.Slot {
			s.mu.slotSeq.Advance()
		}
	}
	s.broadcastLocked()
	s.mu.Unlock()
	s.events.doRelease(req)
}

// Consume completes a grant whose amounts leave with the requester
// instead of returning to the station: burned fuel, eaten food. The
// slot, if held, is released as usual and fairness cursors advance as
// for [Station.Release], but pool levels are left where the grant put
// them; only a [Station.Deposit] can restore a consumed resource.
// Consume never blocks.
func (s *Station) Consume(req *Request) {
	s.mu.Lock()
	if req.Slot {
		s.mu.slots.Release(req.SlotClass)
	}
	switch s.fairness {
	case FCFSGlobal:
		s.mu.seq.Advance()
	case FCFSPerPool:
		for name, amount := range req.Wants {
			if amount > 0 {
				s.mu.poolSeq[name].Advance()
			}
		}
		if req.Slot {
			s.mu.slotSeq.Advance()
		}
	}
	s.broadcastLocked()
	s.mu.Unlock()
	s.events.doConsume(req)
}

// Deposit blocks until every amount in req.Wants fits within its
// pool's remaining space, then adds them all within one critical
// section. Waiting acquirers are woken, since the new resource may
// satisfy them. req.Slot is ignored; a depositor that also needs a
// slot acquires it separately.
//
// A deposit larger than a pool's total capacity could never fit and
// fails immediately with [ErrExceedsCapacity]. Cancellation behaves
// as for [Station.Acquire].
//
// Deposits are not ticketed: a producer ordered behind the very
// consumers that are waiting for its resource would deadlock the
// station, so depositors contend only on storage space, under any
// fairness policy.
func (s *Station) Deposit(ctx context.Context, req *Request) error {
	if err := s.ValidateDeposit(req); err != nil {
		return err
	}
	start := time.Now()
	s.mu.Lock()
	blocked := false
	for {
		if s.canDepositLocked(req) {
			for name, amount := range req.Wants {
				if !s.mu.pools[name].TryReserve(amount) {
					panic(fmt.Sprintf("deposit into %q failed after its predicate held", name))
				}
			}
			s.broadcastLocked()
			s.mu.Unlock()
			s.events.doDeposit(req, time.Since(start))
			return nil
		}
		ch := s.mu.changed
		s.mu.Unlock()
		if !blocked {
			blocked = true
			s.events.doWait(req)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// TryAcquire attempts the grant without blocking and reports whether
// it succeeded. Validation errors are returned as for
// [Station.Acquire].
//
// TryAcquire draws no fairness ticket; it exists for external
// schedulers, such as [github.com/cockroachdb/field-eng-admission/arbiter.Arbiter],
// that impose their own ordering on a station constructed with
// [Unordered]. Mixing TryAcquire with ticketed Acquire calls on an
// FCFS station is not supported.
func (s *Station) TryAcquire(req *Request) (bool, error) {
	if err := s.ValidateAcquire(req); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resourcesOKLocked(req) {
		return false, nil
	}
	s.admitLocked(req)
	return true, nil
}

// TryDeposit attempts the deposit without blocking and reports whether
// it succeeded. Validation errors are returned as for
// [Station.Deposit].
func (s *Station) TryDeposit(req *Request) (bool, error) {
	if err := s.ValidateDeposit(req); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canDepositLocked(req) {
		return false, nil
	}
	for name, amount := range req.Wants {
		if !s.mu.pools[name].TryReserve(amount) {
			panic(fmt.Sprintf("deposit into %q failed after its predicate held", name))
		}
	}
	s.broadcastLocked()
	return true, nil
}

// A PoolLevel reports one pool's state within a [Snapshot].
type PoolLevel struct {
	Available uint64
	Capacity  uint64
}

// A Snapshot is a consistent point-in-time view of a Station's state.
type Snapshot struct {
	Pools         map[string]PoolLevel
	SlotsOccupied int
	SlotsMax      int
}

// Snapshot returns a consistent view of every pool level and the slot
// occupancy, taken within a single critical section.
func (s *Station) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Pools: make(map[string]PoolLevel, len(s.mu.pools))}
	for name, p := range s.mu.pools {
		snap.Pools[name] = PoolLevel{Available: p.Available(), Capacity: p.Capacity()}
	}
	if s.mu.slots != nil {
		snap.SlotsOccupied = s.mu.slots.Occupied()
		snap.SlotsMax = s.mu.slots.Max()
	}
	return snap
}

// ValidateAcquire reports whether req could ever be granted, without
// attempting the grant. Acquire and TryAcquire run the same check; it
// is exported for schedulers that queue requests themselves and want
// to reject hopeless ones up front.
//
// Validation runs without the lock: the pools map and every capacity
// are immutable after New, and validation reads nothing else.
func (s *Station) ValidateAcquire(req *Request) error {
	for name, amount := range req.Wants {
		p, ok := s.mu.pools[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPool, name)
		}
		if amount > p.Capacity() {
			return fmt.Errorf("%w: want %d of %q, capacity %d",
				ErrExceedsCapacity, amount, name, p.Capacity())
		}
	}
	if req.Slot && s.mu.slots == nil {
		return fmt.Errorf("%w: station has no slots", ErrExceedsCapacity)
	}
	return nil
}

// ValidateDeposit is the deposit counterpart of [Station.ValidateAcquire].
func (s *Station) ValidateDeposit(req *Request) error {
	for name, amount := range req.Wants {
		p, ok := s.mu.pools[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPool, name)
		}
		if amount > p.Capacity() {
			return fmt.Errorf("%w: deposit %d into %q, capacity %d",
				ErrExceedsCapacity, amount, name, p.Capacity())
		}
	}
	return nil
}

// A turn carries the fairness tickets one request drew at enqueue.
type turn struct {
	global  uint64
	perPool map[string]uint64
	slot    uint64
	hasSlot bool
}

func (s *Station) drawTurnLocked(req *Request) turn {
	var t turn
	switch s.fairness {
	case FCFSGlobal:
		t.global = s.mu.seq.Next()
	case FCFSPerPool:
		// Tickets for every stream are drawn under one lock hold, so
		// all overlapping requests observe the same relative order in
		// every stream they share. That shared total order is what
		// rules out deadlock between multi-pool requests.
		t.perPool = make(map[string]uint64, len(req.Wants))
		for name, amount := range req.Wants {
			if amount > 0 {
				t.perPool[name] = s.mu.poolSeq[name].Next()
			}
		}
		if req.Slot {
			t.hasSlot = true
			t.slot = s.mu.slotSeq.Next()
		}
	}
	return t
}

func (s *Station) abandonTurnLocked(t turn) {
	switch s.fairness {
	case FCFSGlobal:
		s.mu.seq.Abandon(t.global)
	case FCFSPerPool:
		for name, tk := range t.perPool {
			s.mu.poolSeq[name].Abandon(tk)
		}
		if t.hasSlot {
			s.mu.slotSeq.Abandon(t.slot)
		}
	}
}

func (s *Station) canAdmitLocked(req *Request, t turn) bool {
	return s.turnOKLocked(t) && s.resourcesOKLocked(req)
}

func (s *Station) turnOKLocked(t turn) bool {
	switch s.fairness {
	case FCFSGlobal:
		if !s.mu.seq.IsTurn(t.global) {
			return false
		}
	case FCFSPerPool:
		for name, tk := range t.perPool {
			if !s.mu.poolSeq[name].IsTurn(tk) {
				return false
			}
		}
		if t.hasSlot && !s.mu.slotSeq.IsTurn(t.slot) {
			return false
		}
	}
	return true
}

func (s *Station) canDepositLocked(req *Request) bool {
	for name, amount := range req.Wants {
		p := s.mu.pools[name]
		if p.Available()+amount > p.Capacity() {
			return false
		}
	}
	return true
}

func (s *Station) resourcesOKLocked(req *Request) bool {
	if req.Slot && !s.mu.slots.CanOccupy(req.SlotClass) {
		return false
	}
	for name, amount := range req.Wants {
		if s.mu.pools[name].Available() < amount {
			return false
		}
	}
	return true
}

// admitLocked commits a grant whose predicate just held. The lock was
// not released between the check and the commit, so failure here is an
// invariant violation, not a race.
func (s *Station) admitLocked(req *Request) {
	for name, amount := range req.Wants {
		if !s.mu.pools[name].TryTake(amount) {
			panic(fmt.Sprintf("take from %q failed after its predicate held", name))
		}
	}
	if req.Slot && !s.mu.slots.TryOccupy(req.SlotClass) {
		panic("slot occupation failed after its predicate held")
	}
	// Taking resource frees storage space, so depositors may now be
	// able to proceed.
	s.broadcastLocked()
}

func (s *Station) broadcastLocked() {
	close(s.mu.changed)
	s.mu.changed = make(chan struct{})
}
