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
	"fmt"

	"github.com/cockroachdb/field-eng-admission/notify"
)

// Outcome is a convenience type alias. Callers observe a submission's
// progress by watching the Outcome for status changes.
type Outcome = *notify.Var[*Status]

// Status describes where a submission is in its lifecycle: waiting in
// the arbiter's queue, holding its grant, or finished.
type Status struct {
	err error
}

// StatusFor constructs a completed status if err is nil. Otherwise, it
// returns a new Status object that reports the error.
func StatusFor(err error) *Status {
	if err == nil {
		return completed
	}
	return &Status{err: err}
}

// Sentinel instances of Status.
var (
	queued    = &Status{}
	granted   = &Status{}
	completed = &Status{}
)

// Completed returns true if the submission has finished: released
// after a grant, deposited, or failed.
func (s *Status) Completed() bool {
	return s == completed || s.err != nil
}

// Err returns the error that ended the submission, if any.
func (s *Status) Err() error {
	return s.err
}

// Granted returns true while the submission holds its grant, between
// admission and release.
func (s *Status) Granted() bool {
	return s == granted
}

// Queued returns true while the submission waits in the arbiter's
// pending queue.
func (s *Status) Queued() bool {
	return s == queued
}

// Success returns true if the submission completed without error.
func (s *Status) Success() bool {
	return s == completed
}

func (s *Status) String() string {
	switch s {
	case queued:
		return "queued"
	case granted:
		return "granted"
	case completed:
		return "completed"
	default:
		return fmt.Sprintf("error: %v", s.err)
	}
}

// AwaitGranted blocks until the outcome's submission holds its grant
// or has completed successfully (a deposit completes without a grant
// phase). It returns the submission's error, or ctx's, if either ends
// the wait instead.
func AwaitGranted(ctx context.Context, outcome Outcome) error {
	for {
		status, changed := outcome.Get()
		if status.Granted() || status.Success() {
			return nil
		}
		if err := status.Err(); err != nil {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until every outcome has completed and returns the first
// non-nil error.
func Wait(ctx context.Context, outcomes []Outcome) error {
outcome:
	for _, outcome := range outcomes {
		for {
			status, changed := outcome.Get()
			if status.Success() {
				continue outcome
			}
			if err := status.Err(); err != nil {
				return err
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
