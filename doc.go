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

// Package guestfs launches and drives a disposable qemu appliance in order
// to manipulate disk images from the host.
//
// The primary elements of interest are:
//
//   - Handle, which owns the qemu subprocess, the console pipes and the
//     daemon communication socket, and steps through the session state
//     machine (CONFIG -> LAUNCHING -> READY <-> BUSY).
//
//   - New, AddDrive and Launch, which configure and boot the appliance, and
//     WaitReady, which blocks until the in-guest daemon announces itself.
//
//   - The callback setters, through which log messages, replies, launch
//     completion and subprocess death are delivered.
//
// All progress is driven by an event loop (see package mainloop); the
// package creates no goroutines of its own. Callbacks therefore run on the
// goroutine that runs the loop, and may themselves call back into the
// handle, including issuing the next message from within a reply callback.
package guestfs
