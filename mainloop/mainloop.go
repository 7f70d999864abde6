// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package mainloop defines the event loop consumed by package guestfs, and
// provides a default implementation based on select(2).
//
// The loop is single-threaded and cooperative: descriptor callbacks run on
// the goroutine that called Run, between blocking waits. Runs may be nested;
// a callback that needs to block until a particular event fires may itself
// call Run, and later call Quit to unwind one level.
package mainloop

import "time"

// A bit mask describing the conditions a watch is interested in, or the
// conditions observed when its callback is invoked.
type EventMask uint32

const (
	Readable EventMask = 1 << iota
	Writable
	Hangup
	Error
)

// An opaque token identifying a registered descriptor watch.
type Watch int

// An opaque token identifying a registered timeout.
type Timer int

// A function invoked when a watched descriptor becomes ready. The events
// mask contains the subset of the registered interest that was observed.
type HandleEventFn func(data interface{}, watch Watch, fd int, events EventMask)

// A function invoked when a timeout registered with AddTimeout expires.
type TimeoutFn func(data interface{}, timer Timer)

// MainLoop is the capability package guestfs needs from an event loop. The
// default implementation is SelectLoop; callers may substitute their own
// (e.g. one integrated with a UI toolkit's loop) provided the contract below
// holds.
type MainLoop interface {
	// Register interest in the supplied descriptor. The events mask must be
	// non-empty and contain only recognized bits. The descriptor must not
	// already be registered.
	AddHandle(fd int, events EventMask, cb HandleEventFn, data interface{}) (Watch, error)

	// Deregister a watch previously returned by AddHandle.
	RemoveHandle(w Watch) error

	// Register a one-shot timer. Implementations are permitted to not
	// support timers, in which case they return an error.
	AddTimeout(interval time.Duration, cb TimeoutFn, data interface{}) (Timer, error)

	// Deregister a timer previously returned by AddTimeout.
	RemoveTimeout(t Timer) error

	// Dispatch events until Quit is called at this nesting level, or until
	// no watches remain registered. May be called from within a callback.
	Run() error

	// Unwind one level of Run. It is an error to call Quit when no Run is in
	// progress.
	Quit() error
}
