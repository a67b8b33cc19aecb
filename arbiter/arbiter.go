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
Package arbiter runs an admission station as a single-threaded actor.

Where [github.com/cockroachdb/field-eng-admission/admission.Station]
is a shared-memory monitor whose callers block inside Acquire, an
[Arbiter] is reached only by message: callers submit requests into a
mailbox and watch an [Outcome] for their grant. One goroutine drains
the mailbox and handles one message at a time, so the arbiter's loop
is the critical section. This is the shape the admission contract
takes when the requesters are separate processes and the monitor is a
lone coordinator reachable over some transport; the transport itself
stays outside this package, with callers forwarding their messages
however they like.

Atomicity is preserved because the loop commits or defers each request
whole, and fairness is preserved because the mailbox hands the loop
requests in arrival order.
*/
package arbiter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/field-eng-admission/admission"
	"github.com/cockroachdb/field-eng-admission/notify"
)

// ErrStopped is reported through the Outcome of any submission that
// was still pending when [Arbiter.Stop] was called, and of any
// submission made after.
var ErrStopped = errors.New("arbiter stopped")

// ErrSubmitCancel is reported through the Outcome of a pending
// submission whose cancel function was called.
var ErrSubmitCancel = errors.New("submission canceled")

type opKind int

const (
	opSubmit opKind = iota
	opRelease
	opCancel
	opStop
)

type message struct {
	kind  opKind
	entry *entry
	req   *admission.Request
}

// An entry tracks one submission from mailbox to completion.
type entry struct {
	req     *admission.Request
	outcome *notify.Var[*Status]
	deposit bool
}

// An Arbiter serializes all access to an admission station through a
// mailbox processed by a single goroutine. It is safe for concurrent
// use; submissions from many goroutines (or forwarded from many
// processes) interleave only at the mailbox.
type Arbiter struct {
	station  *admission.Station
	fairness admission.Fairness
	mailbox  chan message

	// The gate keeps a message from landing in the mailbox after the
	// loop has exited, where it would never be answered. Senders hold
	// the read side for the duration of their send; Stop flips the flag
	// under the write side and then waits out the in-flight senders
	// before posting the final message.
	gate struct {
		sync.RWMutex
		stopped  bool
		inflight sync.WaitGroup
	}
}

// New constructs an Arbiter for the given configuration and starts its
// processing loop. The configuration's fairness policy is enforced by
// the arbiter itself, over its pending queue: the underlying station
// always runs unordered, since the loop already serializes access.
// Callers should arrange for [Arbiter.Stop] to be called.
func New(cfg *admission.Config) (*Arbiter, error) {
	inner := *cfg
	inner.Fairness = admission.Unordered
	station, err := admission.New(&inner)
	if err != nil {
		return nil, err
	}
	a := &Arbiter{
		station:  station,
		fairness: cfg.Fairness,
		mailbox:  make(chan message, 128),
	}
	go a.loop()
	return a, nil
}

// Submit enqueues an acquire request and returns immediately. The
// Outcome moves from queued to granted once the arbiter admits the
// request; the caller then owns the grant until it calls
// [Arbiter.Release], which completes the Outcome. Requests that could
// never be satisfied complete immediately with the validation error.
//
// The cancel function withdraws a submission that is still pending.
// Canceling a submission that has already been granted does nothing;
// the caller still owns the grant and must release it.
func (a *Arbiter) Submit(req *admission.Request) (Outcome, func()) {
	return a.submit(req, false)
}

// SubmitDeposit enqueues a deposit request. The Outcome completes once
// the deposit has been absorbed; there is no grant phase and nothing
// to release.
func (a *Arbiter) SubmitDeposit(req *admission.Request) (Outcome, func()) {
	return a.submit(req, true)
}

func (a *Arbiter) submit(req *admission.Request, deposit bool) (Outcome, func()) {
	e := &entry{req: req, outcome: notify.VarOf(queued), deposit: deposit}
	if !a.send(message{kind: opSubmit, entry: e}) {
		e.outcome.Set(StatusFor(ErrStopped))
		return e.outcome, func() {}
	}
	return e.outcome, func() {
		a.send(message{kind: opCancel, entry: e})
	}
}

// send posts one message to the loop, or reports false after Stop.
func (a *Arbiter) send(msg message) bool {
	a.gate.RLock()
	if a.gate.stopped {
		a.gate.RUnlock()
		return false
	}
	a.gate.inflight.Add(1)
	a.gate.RUnlock()
	defer a.gate.inflight.Done()
	a.mailbox <- msg
	return true
}

// Release returns a grant previously obtained through [Arbiter.Submit]
// and completes its Outcome. The request must be the same value that
// was submitted. Release does not block beyond the mailbox send.
func (a *Arbiter) Release(req *admission.Request) {
	a.send(message{kind: opRelease, req: req})
}

// Stop shuts the arbiter down. Submissions already in the mailbox are
// still processed; submissions left pending after that complete with
// [ErrStopped], as does every submission made later. Grants already
// handed out remain with their holders; Stop does not wait for them to
// release. Stop is idempotent.
func (a *Arbiter) Stop() {
	a.gate.Lock()
	if a.gate.stopped {
		a.gate.Unlock()
		return
	}
	a.gate.stopped = true
	a.gate.Unlock()
	// Every sender that slipped past the gate finishes its send before
	// the loop is told to exit, so nothing is left unanswered.
	a.gate.inflight.Wait()
	a.mailbox <- message{kind: opStop}
}

// Snapshot reports the underlying station's state. It may be called
// from any goroutine.
func (a *Arbiter) Snapshot() admission.Snapshot {
	return a.station.Snapshot()
}

// loop is the arbiter's critical section: every admission decision is
// made here, one message at a time.
func (a *Arbiter) loop() {
	// pending holds deferred submissions in arrival order. holds
	// maps an outstanding grant back to its entry for Release.
	var pending []*entry
	holds := make(map[*admission.Request]*entry)

	for msg := range a.mailbox {
		switch msg.kind {
		case opSubmit:
			if a.mustQueueBehind(msg.entry, pending) {
				// The policy forbids overtaking earlier pending work,
				// but a hopeless submission still fails up front.
				if err := a.validate(msg.entry); err != nil {
					msg.entry.outcome.Set(StatusFor(err))
					continue
				}
				pending = append(pending, msg.entry)
				continue
			}
			if a.admit(msg.entry, holds) {
				if msg.entry.deposit {
					// The deposit raised a level, so a queued acquirer
					// may now fit.
					pending = a.drainAll(pending, holds)
				}
				continue
			}
			pending = append(pending, msg.entry)

		case opRelease:
			e, ok := holds[msg.req]
			if !ok {
				panic(fmt.Sprintf("release of unsubmitted request %q", msg.req.ID))
			}
			delete(holds, msg.req)
			a.station.Release(msg.req)
			e.outcome.Set(completed)
			pending = a.drainAll(pending, holds)

		case opCancel:
			for i, e := range pending {
				if e == msg.entry {
					pending = append(pending[:i], pending[i+1:]...)
					e.outcome.Set(StatusFor(ErrSubmitCancel))
					break
				}
			}
			// Not pending: either already granted or already done.
			// Nothing to withdraw.

		case opStop:
			for _, e := range pending {
				e.outcome.Set(StatusFor(ErrStopped))
			}
			return
		}
	}
}

// admit tries one submission against the station, updating its
// Outcome. It returns false if the submission should wait.
func (a *Arbiter) admit(e *entry, holds map[*admission.Request]*entry) bool {
	if e.deposit {
		ok, err := a.station.TryDeposit(e.req)
		if err != nil {
			e.outcome.Set(StatusFor(err))
			return true
		}
		if ok {
			e.outcome.Set(completed)
			return true
		}
		return false
	}
	ok, err := a.station.TryAcquire(e.req)
	if err != nil {
		e.outcome.Set(StatusFor(err))
		return true
	}
	if ok {
		holds[e.req] = e
		e.outcome.Set(granted)
		return true
	}
	return false
}

// mustQueueBehind reports whether a fresh submission has to take its
// place behind entries already pending instead of attempting admission
// at once. Without this check a latecomer whose resources happen to be
// free would overtake every queued requester.
func (a *Arbiter) mustQueueBehind(e *entry, pending []*entry) bool {
	// Deposits never wait their turn: a producer ordered behind the
	// consumers waiting for its resource would deadlock the queue.
	if e.deposit {
		return false
	}
	switch a.fairness {
	case admission.FCFSGlobal:
		return len(pending) > 0
	case admission.FCFSPerPool:
		blocked := make(map[string]struct{})
		for _, p := range pending {
			for name, amount := range p.req.Wants {
				if amount > 0 {
					blocked[name] = struct{}{}
				}
			}
			if p.req.Slot {
				blocked[""] = struct{}{}
			}
		}
		return a.sharesBlockedStream(e, blocked)
	}
	return false
}

func (a *Arbiter) validate(e *entry) error {
	if e.deposit {
		return a.station.ValidateDeposit(e.req)
	}
	return a.station.ValidateAcquire(e.req)
}

// drainAll runs drain to a fixpoint. A deposit admitted partway
// through one pass may unblock an entry that was already tried, so
// passes repeat until one admits nothing.
func (a *Arbiter) drainAll(pending []*entry, holds map[*admission.Request]*entry) []*entry {
	for {
		still := a.drain(pending, holds)
		if len(still) == len(pending) {
			return still
		}
		pending = still
	}
}

// drain retries pending submissions after a release or deposit made
// resources available, honoring the arbiter's fairness policy.
func (a *Arbiter) drain(pending []*entry, holds map[*admission.Request]*entry) []*entry {
	var still []*entry
	// Streams (pool names, or "" for the slot) touched by an earlier
	// submission that stayed blocked. Under FCFSPerPool a later
	// submission may not overtake a blocked earlier one on any stream
	// they share; under FCFSGlobal it may not overtake it at all.
	blockedStreams := make(map[string]struct{})
	blockedAny := false

	for _, e := range pending {
		skip := false
		if !e.deposit {
			switch a.fairness {
			case admission.FCFSGlobal:
				skip = blockedAny
			case admission.FCFSPerPool:
				skip = a.sharesBlockedStream(e, blockedStreams)
			}
		}
		if !skip && a.admit(e, holds) {
			continue
		}
		still = append(still, e)
		blockedAny = true
		for name, amount := range e.req.Wants {
			if amount > 0 {
				blockedStreams[name] = struct{}{}
			}
		}
		if e.req.Slot {
			blockedStreams[""] = struct{}{}
		}
	}
	return still
}

func (a *Arbiter) sharesBlockedStream(e *entry, blocked map[string]struct{}) bool {
	for name, amount := range e.req.Wants {
		if amount == 0 {
			continue
		}
		if _, ok := blocked[name]; ok {
			return true
		}
	}
	if e.req.Slot {
		if _, ok := blocked[""]; ok {
			return true
		}
	}
	return false
}
