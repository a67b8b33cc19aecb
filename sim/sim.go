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
Package sim drives an admission station with simulated traffic.

The scenario is a refueling station in space: a handful of docking
slots, two finite fuel pools, ordinary vehicles that dock and take
fuel, and supply vehicles that dock, deposit a delivery, and then fuel
up for their own return trip. Everything the station does not do —
spawning one goroutine per vehicle, randomized travel and service
delays, pacing arrivals, emitting the event trace, abandoning and
retrying a congested trip — lives here, outside the monitor.
*/
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cockroachdb/field-eng-admission/admission"
)

// Pool names used by the scenario.
const (
	PoolNitrogen = "nitrogen"
	PoolQuantum  = "quantum"
)

// Config describes one simulation run.
type Config struct {
	// Populations and trip counts.
	Ordinary int // ordinary vehicles
	Supply   int // supply vehicles
	Trips    int // trips per vehicle

	// Station shape.
	Docks        int
	Nitrogen     uint64
	Quantum      uint64
	SupplyDocks  int // cap on concurrently docked supply vehicles; 0 = uncapped
	Fairness     admission.Fairness
	DeliverUnits uint64 // amount a supply vehicle deposits per trip

	// Per-trip fuel demand is drawn uniformly from [RequestMin, RequestMax].
	RequestMin uint64
	RequestMax uint64

	// Delay ranges. Travel happens away from the station; service
	// happens while docked. Both are strictly outside the monitor.
	TravelMin  time.Duration
	TravelMax  time.Duration
	ServiceMin time.Duration
	ServiceMax time.Duration

	// Patience bounds how long a vehicle waits on any single blocking
	// call before it abandons the trip, backs off and retries.
	Patience time.Duration

	// Arrivals per second across all vehicles. Zero disables pacing.
	ArrivalRate rate.Limit

	// Seed for the deterministic per-vehicle random streams.
	Seed int64

	Log zerolog.Logger
}

func (c *Config) validate() error {
	if c.Ordinary < 0 || c.Supply < 0 {
		return fmt.Errorf("vehicle counts must be non-negative")
	}
	if c.Trips <= 0 {
		return fmt.Errorf("trips must be positive")
	}
	if c.RequestMin > c.RequestMax {
		return fmt.Errorf("fuel request range [%d, %d] is inverted", c.RequestMin, c.RequestMax)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("patience must be positive")
	}
	if c.Fairness == admission.FCFSGlobal {
		// Vehicles acquire fuel while still holding their dock, which
		// waits behind their own dock ticket under the global policy.
		return fmt.Errorf("fcfs-global deadlocks vehicles that fuel while docked; use fcfs-per-pool or unordered")
	}
	return nil
}

// A Simulation owns the station and the vehicle fleet for one run.
type Simulation struct {
	cfg     Config
	station *admission.Station
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds the station described by cfg and a fleet ready to run.
func New(cfg Config) (*Simulation, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	stationCfg := &admission.Config{
		Pools: map[string]admission.PoolSpec{
			PoolNitrogen: admission.Full(cfg.Nitrogen),
			PoolQuantum:  admission.Full(cfg.Quantum),
		},
		Slots:    cfg.Docks,
		Fairness: cfg.Fairness,
	}
	if cfg.SupplyDocks > 0 {
		stationCfg.SlotClasses = map[string]int{ClassSupply: cfg.SupplyDocks}
	}
	station, err := admission.New(stationCfg)
	if err != nil {
		return nil, err
	}

	s := &Simulation{
		cfg:     cfg,
		station: station,
		log:     cfg.Log,
	}
	if cfg.ArrivalRate > 0 {
		s.limiter = rate.NewLimiter(cfg.ArrivalRate, 1)
	}
	station.SetEvents(&admission.Events{
		OnWait: func(req *admission.Request) {
			s.log.Debug().Str("vehicle", req.ID).Msg("waiting")
		},
		OnAdmit: func(req *admission.Request, waited time.Duration) {
			s.log.Info().Str("vehicle", req.ID).
				Dur("waited", waited).Msg("admitted")
		},
		OnDeposit: func(req *admission.Request, waited time.Duration) {
			s.log.Info().Str("vehicle", req.ID).
				Dur("waited", waited).Msg("deposited")
		},
		OnConsume: func(req *admission.Request) {
			s.log.Debug().Str("vehicle", req.ID).Msg("consumed")
		},
		OnRelease: func(req *admission.Request) {
			s.log.Debug().Str("vehicle", req.ID).Msg("released")
		},
	})
	return s, nil
}

// Station exposes the simulation's station, mainly so tests can take
// snapshots while traffic runs.
func (s *Simulation) Station() *admission.Station {
	return s.station
}

// Run drives every vehicle through its trips and returns once the
// whole fleet is done, or with the first vehicle error.
func (s *Simulation) Run(ctx context.Context) error {
	snap := s.station.Snapshot()
	s.log.Info().
		Int("docks", snap.SlotsMax).
		Uint64("nitrogen", snap.Pools[PoolNitrogen].Available).
		Uint64("quantum", snap.Pools[PoolQuantum].Available).
		Msg("station online")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Ordinary; i++ {
		v := newVehicle(s, RoleOrdinary, i)
		g.Go(func() error { return v.run(ctx) })
	}
	for i := 0; i < s.cfg.Supply; i++ {
		v := newVehicle(s, RoleSupply, s.cfg.Ordinary+i)
		g.Go(func() error { return v.run(ctx) })
	}
	err := g.Wait()
	if err == nil {
		s.log.Info().Msg("simulation finished")
	}
	return err
}

// pace blocks until the arrival limiter admits one more approach.
func (s *Simulation) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}
