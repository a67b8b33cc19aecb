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

// Command stationsim runs the fuel-station admission simulation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cockroachdb/field-eng-admission/admission"
	"github.com/cockroachdb/field-eng-admission/sim"
)

var (
	ordinary    = flag.Int("ordinary", 5, "number of ordinary vehicles")
	supply      = flag.Int("supply", 2, "number of supply vehicles")
	trips       = flag.Int("trips", 3, "trips per vehicle")
	docks       = flag.Int("docks", 5, "parallel docking slots")
	supplyDocks = flag.Int("supply-docks", 0, "cap on docked supply vehicles (0 = uncapped)")
	nitrogen    = flag.Uint64("nitrogen", 5000, "nitrogen storage capacity")
	quantum     = flag.Uint64("quantum", 2000, "quantum fluid storage capacity")
	deliver     = flag.Uint64("deliver", 1000, "units per supply delivery")
	requestMin  = flag.Uint64("request-min", 100, "minimum fuel request per pool")
	requestMax  = flag.Uint64("request-max", 500, "maximum fuel request per pool")
	fairness    = flag.String("fairness", "unordered", "grant ordering: unordered or fcfs-per-pool")
	arrivals    = flag.Float64("arrivals", 0, "station arrivals per second across the fleet (0 = unpaced)")
	seed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	verbose     = flag.Bool("v", false, "log state transitions and waits")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stationsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(level).With().Timestamp().Logger()

	var policy admission.Fairness
	switch *fairness {
	case "unordered":
		policy = admission.Unordered
	case "fcfs-global":
		policy = admission.FCFSGlobal
	case "fcfs-per-pool":
		policy = admission.FCFSPerPool
	default:
		return fmt.Errorf("unknown fairness policy %q", *fairness)
	}

	s, err := sim.New(sim.Config{
		Ordinary:     *ordinary,
		Supply:       *supply,
		Trips:        *trips,
		Docks:        *docks,
		SupplyDocks:  *supplyDocks,
		Nitrogen:     *nitrogen,
		Quantum:      *quantum,
		Fairness:     policy,
		DeliverUnits: *deliver,
		RequestMin:   *requestMin,
		RequestMax:   *requestMax,
		TravelMin:    300 * time.Millisecond,
		TravelMax:    600 * time.Millisecond,
		ServiceMin:   100 * time.Millisecond,
		ServiceMax:   200 * time.Millisecond,
		Patience:     5 * time.Second,
		ArrivalRate:  rate.Limit(*arrivals),
		Seed:         *seed,
		Log:          log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return s.Run(ctx)
}
