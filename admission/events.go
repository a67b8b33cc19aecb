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

import "time"

// Events provides a [Station] with optional callbacks for tracing or
// performance monitoring. Callbacks are invoked outside the station's
// critical section and must be safe for concurrent use.
//
// See [Station.SetEvents].
type Events struct {
	// OnAdmit is called when an Acquire is granted, with the time the
	// requester spent between calling Acquire and being admitted.
	OnAdmit func(req *Request, waited time.Duration)
	// OnDeposit is called when a Deposit completes, with the time the
	// depositor spent waiting for storage space.
	OnDeposit func(req *Request, waited time.Duration)
	// OnConsume is called after a Consume has retired a grant without
	// returning its amounts.
	OnConsume func(req *Request)
	// OnRelease is called after a Release has returned resources and
	// woken waiters.
	OnRelease func(req *Request)
	// OnWait is called once per operation, the first time it blocks.
	OnWait func(req *Request)
}

func (e *Events) doAdmit(req *Request, waited time.Duration) {
	if e != nil && e.OnAdmit != nil {
		e.OnAdmit(req, waited)
	}
}

func (e *Events) doDeposit(req *Request, waited time.Duration) {
	if e != nil && e.OnDeposit != nil {
		e.OnDeposit(req, waited)
	}
}

func (e *Events) doConsume(req *Request) {
	if e != nil && e.OnConsume != nil {
		e.OnConsume(req)
	}
}

func (e *Events) doRelease(req *Request) {
	if e != nil && e.OnRelease != nil {
		e.OnRelease(req)
	}
}

func (e *Events) doWait(req *Request) {
	if e != nil && e.OnWait != nil {
		e.OnWait(req)
	}
}
