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

// Package notify contains a utility for waiting on variable updates.
package notify

import "sync"

// A Var is a variable which supports change notifications. A waiter
// calls [Var.Get] to receive the current value and a channel that will
// be closed the next time the value is updated. The zero value of a
// Var is ready to use, holding the zero value of T.
type Var[T any] struct {
	mu      sync.Mutex
	updated chan struct{}
	value   T
}

// VarOf returns a Var that holds the given initial value.
func VarOf[T any](value T) *Var[T] {
	v := &Var[T]{}
	v.value = value
	return v
}

// Get returns the current value and a channel that will be closed when
// the value is next updated.
func (v *Var[T]) Get() (T, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.updated == nil {
		v.updated = make(chan struct{})
	}
	return v.value, v.updated
}

// Peek returns the current value without setting up a notification.
func (v *Var[T]) Peek() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set updates the value and wakes any goroutines blocking on a channel
// previously returned from [Var.Get].
func (v *Var[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	if v.updated != nil {
		close(v.updated)
		v.updated = nil
	}
}

// Update applies the function to the current value while holding the
// Var's internal lock and stores the result, waking waiters. The
// function must not block or call back into the Var.
func (v *Var[T]) Update(fn func(T) T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = fn(v.value)
	if v.updated != nil {
		close(v.updated)
		v.updated = nil
	}
}
