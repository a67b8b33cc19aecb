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

package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/cockroachdb/field-eng-admission/admission"
	"github.com/cockroachdb/field-eng-admission/retry"
)

// Role distinguishes consumers from producers.
type Role int

const (
	// RoleOrdinary vehicles dock and take fuel.
	RoleOrdinary Role = iota
	// RoleSupply vehicles dock, deposit a delivery, then take fuel
	// for their own return trip.
	RoleSupply
)

func (r Role) String() string {
	if r == RoleSupply {
		return "supply"
	}
	return "ordinary"
}

// ClassSupply is the slot class supply vehicles dock under, so a
// station can cap how many occupy docks at once.
const ClassSupply = "supply"

// State tracks where a vehicle is in its trip. Every transition goes
// through one of these values; there are no side-channel booleans.
type State int

const (
	StateTraveling State = iota
	StateArriving
	StateDocked
	StateDepositing
	StateDeposited
	StateFueling
	StateFueled
	StateDeparted
)

func (s State) String() string {
	switch s {
	case StateTraveling:
		return "traveling"
	case StateArriving:
		return "arriving"
	case StateDocked:
		return "docked"
	case StateDepositing:
		return "depositing"
	case StateDeposited:
		return "deposited"
	case StateFueling:
		return "fueling"
	case StateFueled:
		return "fueled"
	case StateDeparted:
		return "departed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type vehicle struct {
	sim   *Simulation
	role  Role
	id    string
	rng   *rand.Rand
	log   zerolog.Logger
	state State
}

func newVehicle(s *Simulation, role Role, idx int) *vehicle {
	id := fmt.Sprintf("%s-%d", role, idx+1)
	return &vehicle{
		sim:  s,
		role: role,
		id:   id,
		rng:  rand.New(rand.NewSource(s.cfg.Seed + int64(idx))),
		log:  s.cfg.Log.With().Str("vehicle", id).Logger(),
	}
}

func (v *vehicle) run(ctx context.Context) error {
	for trip := 0; trip < v.sim.cfg.Trips; trip++ {
		v.setState(StateTraveling)
		if err := v.sleep(ctx, v.sim.cfg.TravelMin, v.sim.cfg.TravelMax); err != nil {
			return err
		}
		if err := v.sim.pace(ctx); err != nil {
			return err
		}
		backoff, err := retry.NewExpBackoff(10*time.Millisecond, time.Second, 8)
		if err != nil {
			return err
		}
		if err := retry.Retry(ctx, backoff, v.trip); err != nil {
			return fmt.Errorf("%s trip %d: %w", v.id, trip+1, err)
		}
	}
	v.log.Info().Msg("all trips finished")
	return nil
}

// trip is one full visit to the station. A blocking call that outlasts
// the vehicle's patience abandons the visit, undoes whatever the
// vehicle still holds, and reports the trip as retriable.
func (v *vehicle) trip(ctx context.Context) error {
	cfg := v.sim.cfg
	station := v.sim.station

	dock := &admission.Request{ID: v.id, Slot: true}
	if v.role == RoleSupply {
		dock.SlotClass = ClassSupply
	}

	v.setState(StateArriving)
	if err := v.await(ctx, dock, nil); err != nil {
		return err
	}
	v.setState(StateDocked)
	if err := v.sleep(ctx, cfg.ServiceMin, cfg.ServiceMax); err != nil {
		station.Release(dock)
		return err
	}

	if v.role == RoleSupply {
		// Alternate the delivery between the two fuel types, the way
		// the depot schedules them.
		delivery := &admission.Request{ID: v.id, Wants: map[string]uint64{}}
		if v.rng.Intn(2) == 0 {
			delivery.Wants[PoolNitrogen] = cfg.DeliverUnits
		} else {
			delivery.Wants[PoolQuantum] = cfg.DeliverUnits
		}
		v.setState(StateDepositing)
		if err := v.awaitDeposit(ctx, delivery, dock); err != nil {
			return err
		}
		v.setState(StateDeposited)
		if err := v.sleep(ctx, cfg.ServiceMin, cfg.ServiceMax); err != nil {
			station.Release(dock)
			return err
		}
	}

	fuel := &admission.Request{
		ID: v.id,
		Wants: map[string]uint64{
			PoolNitrogen: v.demand(),
			PoolQuantum:  v.demand(),
		},
	}
	v.setState(StateFueling)
	if err := v.await(ctx, fuel, dock); err != nil {
		return err
	}
	v.setState(StateFueled)
	if err := v.sleep(ctx, cfg.ServiceMin, cfg.ServiceMax); err != nil {
		station.Consume(fuel)
		station.Release(dock)
		return err
	}

	// The fuel leaves in the tank; only the dock comes back.
	station.Consume(fuel)
	station.Release(dock)
	v.setState(StateDeparted)
	return nil
}

// await runs one blocking Acquire under the vehicle's patience. On
// timeout it releases undo, if any, and flags the trip retriable.
func (v *vehicle) await(ctx context.Context, req, undo *admission.Request) error {
	waitCtx, cancel := context.WithTimeout(ctx, v.sim.cfg.Patience)
	defer cancel()
	err := v.sim.station.Acquire(waitCtx, req)
	return v.checkWait(ctx, err, undo)
}

func (v *vehicle) awaitDeposit(ctx context.Context, req, undo *admission.Request) error {
	waitCtx, cancel := context.WithTimeout(ctx, v.sim.cfg.Patience)
	defer cancel()
	err := v.sim.station.Deposit(waitCtx, req)
	return v.checkWait(ctx, err, undo)
}

func (v *vehicle) checkWait(ctx context.Context, err error, undo *admission.Request) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The vehicle ran out of patience, not the simulation. Give
		// back what this trip still holds and come back later.
		if undo != nil {
			v.sim.station.Release(undo)
		}
		v.log.Warn().Stringer("state", v.state).Msg("trip timed out, retrying")
		return fmt.Errorf("%w: %s gave up while %s", retry.ErrRetriable, v.id, v.state)
	default:
		if undo != nil {
			v.sim.station.Release(undo)
		}
		return err
	}
}

func (v *vehicle) setState(next State) {
	v.state = next
	v.log.Debug().Stringer("state", next).Msg("transition")
}

func (v *vehicle) demand() uint64 {
	cfg := v.sim.cfg
	if cfg.RequestMax == cfg.RequestMin {
		return cfg.RequestMin
	}
	return cfg.RequestMin + uint64(v.rng.Int63n(int64(cfg.RequestMax-cfg.RequestMin+1)))
}

func (v *vehicle) sleep(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += time.Duration(v.rng.Int63n(int64(max - min + 1)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
