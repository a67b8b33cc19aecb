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

package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/cockroachdb/field-eng-admission/admission"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// probe pushes a marker message through the arbiter's mailbox and waits
// for it, guaranteeing that every message sent before it has been
// processed. A deposit of nothing is always absorbed immediately.
func probe(t *testing.T, ctx context.Context, a *Arbiter) {
	t.Helper()
	outcome, _ := a.SubmitDeposit(&admission.Request{ID: "probe"})
	require.NoError(t, Wait(ctx, []Outcome{outcome}))
}

func TestSubmitGrantRelease(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{"fuel": admission.Full(10)},
		Slots: 2,
	})
	r.NoError(err)
	defer a.Stop()

	req := &admission.Request{ID: "v1", Wants: map[string]uint64{"fuel": 4}, Slot: true}
	outcome, _ := a.Submit(req)
	r.NoError(AwaitGranted(ctx, outcome))

	snap := a.Snapshot()
	r.Equal(uint64(6), snap.Pools["fuel"].Available)
	r.Equal(1, snap.SlotsOccupied)

	a.Release(req)
	r.NoError(Wait(ctx, []Outcome{outcome}))

	snap = a.Snapshot()
	r.Equal(uint64(10), snap.Pools["fuel"].Available)
	r.Equal(0, snap.SlotsOccupied)
}

func TestSubmitValidation(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{"fuel": admission.Full(10)},
	})
	r.NoError(err)
	defer a.Stop()

	oversized := &admission.Request{ID: "big", Wants: map[string]uint64{"fuel": 11}}
	outcome, _ := a.Submit(oversized)
	r.ErrorIs(AwaitGranted(ctx, outcome), admission.ErrExceedsCapacity)

	stranger := &admission.Request{ID: "s", Wants: map[string]uint64{"plasma": 1}}
	outcome, _ = a.Submit(stranger)
	r.ErrorIs(AwaitGranted(ctx, outcome), admission.ErrUnknownPool)
}

// A queued acquirer is admitted as soon as a deposit raises the level
// it is waiting on.
func TestDepositUnblocksPending(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{"fuel": admission.Empty(100)},
	})
	r.NoError(err)
	defer a.Stop()

	req := &admission.Request{ID: "v1", Wants: map[string]uint64{"fuel": 60}}
	outcome, _ := a.Submit(req)
	probe(t, ctx, a)
	r.True(outcome.Peek().Queued())

	refill := &admission.Request{ID: "tanker", Wants: map[string]uint64{"fuel": 80}}
	depOutcome, _ := a.SubmitDeposit(refill)
	r.NoError(Wait(ctx, []Outcome{depOutcome}))

	r.NoError(AwaitGranted(ctx, outcome))
	r.Equal(uint64(20), a.Snapshot().Pools["fuel"].Available)

	a.Release(req)
	r.NoError(Wait(ctx, []Outcome{outcome}))
}

func TestCancelPending(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{"fuel": admission.Full(5)},
	})
	r.NoError(err)
	defer a.Stop()

	hog := &admission.Request{ID: "hog", Wants: map[string]uint64{"fuel": 5}}
	hogOutcome, hogCancel := a.Submit(hog)
	r.NoError(AwaitGranted(ctx, hogOutcome))

	blocked := &admission.Request{ID: "blocked", Wants: map[string]uint64{"fuel": 1}}
	outcome, withdraw := a.Submit(blocked)
	probe(t, ctx, a)
	r.True(outcome.Peek().Queued())

	withdraw()
	r.ErrorIs(AwaitGranted(ctx, outcome), ErrSubmitCancel)

	// Canceling an already granted submission does nothing; the holder
	// still owns the grant and releases it as usual.
	hogCancel()
	probe(t, ctx, a)
	r.True(hogOutcome.Peek().Granted())
	a.Release(hog)
	r.NoError(Wait(ctx, []Outcome{hogOutcome}))
}

func TestStop(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{"fuel": admission.Full(5)},
	})
	r.NoError(err)

	hog := &admission.Request{ID: "hog", Wants: map[string]uint64{"fuel": 5}}
	hogOutcome, _ := a.Submit(hog)
	r.NoError(AwaitGranted(ctx, hogOutcome))

	pending := &admission.Request{ID: "pending", Wants: map[string]uint64{"fuel": 1}}
	outcome, _ := a.Submit(pending)

	a.Stop()
	r.ErrorIs(AwaitGranted(ctx, outcome), ErrStopped)

	// Submissions after Stop fail immediately, and Release of a grant
	// that outlived the arbiter does not block.
	late, _ := a.Submit(&admission.Request{ID: "late", Wants: map[string]uint64{"fuel": 1}})
	r.ErrorIs(AwaitGranted(ctx, late), ErrStopped)
	a.Release(hog)
}

// Under the global policy a latecomer may not overtake a queued
// requester even when its own pool is free.
func TestFCFSGlobalNoOvertaking(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{
			"a": admission.Full(1),
			"b": admission.Full(1),
		},
		Fairness: admission.FCFSGlobal,
	})
	r.NoError(err)
	defer a.Stop()

	hold := &admission.Request{ID: "hold", Wants: map[string]uint64{"a": 1}}
	holdOutcome, _ := a.Submit(hold)
	r.NoError(AwaitGranted(ctx, holdOutcome))

	first := &admission.Request{ID: "first", Wants: map[string]uint64{"a": 1}}
	firstOutcome, _ := a.Submit(first)

	second := &admission.Request{ID: "second", Wants: map[string]uint64{"b": 1}}
	secondOutcome, _ := a.Submit(second)
	probe(t, ctx, a)

	// Pool b is untouched: the second submission queued behind the
	// first instead of helping itself.
	r.True(secondOutcome.Peek().Queued())
	r.Equal(uint64(1), a.Snapshot().Pools["b"].Available)

	a.Release(hold)
	r.NoError(AwaitGranted(ctx, firstOutcome))
	r.NoError(AwaitGranted(ctx, secondOutcome))

	a.Release(first)
	a.Release(second)
	r.NoError(Wait(ctx, []Outcome{firstOutcome, secondOutcome}))
}

// The per-pool policy lets disjoint traffic through while holding the
// line within a pool.
func TestFCFSPerPoolOvertakesDisjoint(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{
			"a": admission.Full(1),
			"b": admission.Full(1),
		},
		Fairness: admission.FCFSPerPool,
	})
	r.NoError(err)
	defer a.Stop()

	hold := &admission.Request{ID: "hold", Wants: map[string]uint64{"a": 1}}
	holdOutcome, _ := a.Submit(hold)
	r.NoError(AwaitGranted(ctx, holdOutcome))

	queued := &admission.Request{ID: "queued", Wants: map[string]uint64{"a": 1}}
	queuedOutcome, _ := a.Submit(queued)

	// Disjoint pool, different stream: granted although an earlier
	// submission is still waiting.
	disjoint := &admission.Request{ID: "disjoint", Wants: map[string]uint64{"b": 1}}
	disjointOutcome, _ := a.Submit(disjoint)
	r.NoError(AwaitGranted(ctx, disjointOutcome))
	r.True(queuedOutcome.Peek().Queued())

	a.Release(hold)
	r.NoError(AwaitGranted(ctx, queuedOutcome))

	a.Release(queued)
	a.Release(disjoint)
}

func TestConcurrentSubmitters(t *testing.T) {
	const workers = 16
	const iterations = 25

	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := New(&admission.Config{
		Pools: map[string]admission.PoolSpec{"fuel": admission.Full(50)},
		Slots: 4,
	})
	r.NoError(err)
	defer a.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		n := uint64(i%5 + 1)
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				req := &admission.Request{
					ID:    "w",
					Wants: map[string]uint64{"fuel": n},
					Slot:  j%2 == 0,
				}
				outcome, _ := a.Submit(req)
				if err := AwaitGranted(ctx, outcome); err != nil {
					return err
				}
				a.Release(req)
				if err := Wait(ctx, []Outcome{outcome}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	r.NoError(g.Wait())

	snap := a.Snapshot()
	r.Equal(uint64(50), snap.Pools["fuel"].Available)
	r.Equal(0, snap.SlotsOccupied)
}

func TestStatusString(t *testing.T) {
	r := require.New(t)
	r.Equal("queued", queued.String())
	r.Equal("granted", granted.String())
	r.Equal("completed", completed.String())
	r.Contains(StatusFor(ErrStopped).String(), "arbiter stopped")
	r.True(StatusFor(nil).Success())
}
