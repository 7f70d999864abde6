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

package guestfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/windofthesky/libguestfs/internal/buffer"
	"github.com/windofthesky/libguestfs/mainloop"
)

// Session states. See the state machine diagram in the package
// documentation: CONFIG -> LAUNCHING -> READY <-> BUSY, with a forced
// collapse back to CONFIG when the subprocess dies, and CLOSED once the
// handle is closed.
type state int

const (
	stateConfig state = iota
	stateLaunching
	stateReady
	stateBusy
	stateClosed
)

// An out-of-memory handler. May not return. The handle stores it and
// returns it from OutOfMemoryHandler; no code in this package invokes it,
// since a failed Go allocation aborts inside the runtime.
type AbortCallback func()

// A callback invoked with a formatted message each time an operation on the
// handle fails.
type ErrorCallback func(h *Handle, data interface{}, msg string)

// A callback invoked with each complete reply frame read from the daemon.
// The frame holds its own copy of the payload, so it stays valid after the
// call returns.
type ReplyCallback func(h *Handle, data interface{}, frame *Frame)

// A callback invoked with each chunk of log bytes read from the appliance
// console. Chunk boundaries are arbitrary: a single kernel log line may be
// split across calls, and one call may carry several lines.
type LogMessageCallback func(h *Handle, data interface{}, buf []byte)

// A callback invoked when the qemu subprocess dies.
type SubprocessQuitCallback func(h *Handle, data interface{})

// A callback invoked when the in-guest daemon announces that the appliance
// has finished booting.
type LaunchDoneCallback func(h *Handle, data interface{})

// Handle is a single appliance session. It is not safe for concurrent use;
// drive it from the goroutine that runs its event loop.
type Handle struct {
	state state

	loop  mainloop.MainLoop
	clock timeutil.Clock

	// The qemu subprocess, valid while state is LAUNCHING, READY or BUSY.
	cmd       *exec.Cmd
	pid       int
	startTime time.Time

	// Our ends of the console pipes (qemu's stdin and stdout), and the
	// daemon communication socket. The descriptor fields are -1 when unset.
	stdinFile  *os.File
	stdoutFile *os.File
	stdinFd    int
	stdoutFd   int
	sockFd     int

	stdoutWatch mainloop.Watch
	sockWatch   mainloop.Watch

	// Temporary directory containing the rendezvous socket.
	tmpDir string

	// The qemu command line. cmdline[0] is reserved for argv[0], which is
	// filled in at launch time.
	cmdline []string

	qemu    string
	kernel  string
	initrd  string
	memory  string
	verbose bool

	// Callbacks.
	abortCb            AbortCallback
	errorCb            ErrorCallback
	errorCbData        interface{}
	replyCb            ReplyCallback
	replyCbData        interface{}
	logCb              LogMessageCallback
	logCbData          interface{}
	subprocessQuitCb   SubprocessQuitCallback
	subprocessQuitData interface{}
	launchDoneCb       LaunchDoneCallback
	launchDoneCbData   interface{}

	// Used by the synchronous helpers (WaitReady, SendSync) without
	// disturbing callbacks the user might have set. The internal launch-done
	// callback is invoked before launchDoneCb; the internal reply callback,
	// when set, is invoked instead of replyCb.
	replyCbInternal          ReplyCallback
	replyCbInternalData      interface{}
	launchDoneCbInternal     LaunchDoneCallback
	launchDoneCbInternalData interface{}

	// Messages received from and pending transmission to the daemon.
	in  *buffer.Inbound
	out []byte
}

// New creates a handle in the CONFIG state. The default error handler
// writes a one-line message to stderr; all other callbacks are unset. The
// verbose flag is initialized from the LIBGUESTFS_DEBUG environment
// variable.
func New() *Handle {
	h := &Handle{
		state: stateConfig,

		loop:  mainloop.NewSelectLoop(),
		clock: timeutil.RealClock(),

		stdinFd:     -1,
		stdoutFd:    -1,
		sockFd:      -1,
		stdoutWatch: -1,
		sockWatch:   -1,

		qemu:   defaultQemu,
		kernel: defaultKernel,
		initrd: defaultInitrd,
		memory: defaultMemory,

		abortCb: defaultAbort,
		errorCb: defaultErrorCallback,

		in: buffer.NewInbound(),
	}

	h.verbose = os.Getenv("LIBGUESTFS_DEBUG") == "1"

	return h
}

// Close shuts down the session and marks the handle CLOSED. If a subprocess
// is running it is killed and reaped, the event-loop watches are released,
// and the rendezvous socket and its temporary directory are removed.
//
// Calling Close a second time on the same handle prints a diagnostic and
// returns.
func (h *Handle) Close() {
	if h.state == stateClosed {
		// Not safe to go through the error callback here.
		fmt.Fprintf(os.Stderr, "guestfs: Close called twice on the same handle\n")
		return
	}

	// Remove any handlers that might be called back while we tear down the
	// subprocess.
	h.logCb = nil
	h.logCbData = nil

	if h.state != stateConfig {
		h.KillSubprocess()
		h.teardownSubprocess()
	}

	if h.tmpDir != "" {
		os.Remove(filepath.Join(h.tmpDir, "sock"))
		os.Remove(h.tmpDir)
		h.tmpDir = ""
	}

	h.cmdline = nil
	h.state = stateClosed
}

// SetMainLoop replaces the event loop the handle registers its watches
// with. Allowed only in the CONFIG state.
func (h *Handle) SetMainLoop(loop mainloop.MainLoop) error {
	if h.state != stateConfig {
		return h.errorf("main loop cannot be changed after qemu subprocess launched")
	}

	h.loop = loop
	return nil
}

// SetClock replaces the clock used to record the subprocess start time.
// Allowed only in the CONFIG state.
func (h *Handle) SetClock(clock timeutil.Clock) error {
	if h.state != stateConfig {
		return h.errorf("clock cannot be changed after qemu subprocess launched")
	}

	h.clock = clock
	return nil
}

// SetQemu overrides the hypervisor binary run by Launch. Allowed only in
// the CONFIG state.
func (h *Handle) SetQemu(path string) error {
	if h.state != stateConfig {
		return h.errorf("qemu binary cannot be changed after qemu subprocess launched")
	}

	h.qemu = path
	return nil
}

func (h *Handle) SetVerbose(v bool) {
	h.verbose = v
}

func (h *Handle) Verbose() bool {
	return h.verbose
}

func (h *Handle) SetOutOfMemoryHandler(cb AbortCallback) {
	h.abortCb = cb
}

func (h *Handle) OutOfMemoryHandler() AbortCallback {
	return h.abortCb
}

func (h *Handle) SetErrorHandler(cb ErrorCallback, data interface{}) {
	h.errorCb = cb
	h.errorCbData = data
}

func (h *Handle) ErrorHandler() (ErrorCallback, interface{}) {
	return h.errorCb, h.errorCbData
}

func (h *Handle) SetReplyCallback(cb ReplyCallback, data interface{}) {
	h.replyCb = cb
	h.replyCbData = data
}

func (h *Handle) SetLogMessageCallback(cb LogMessageCallback, data interface{}) {
	h.logCb = cb
	h.logCbData = data
}

func (h *Handle) SetSubprocessQuitCallback(cb SubprocessQuitCallback, data interface{}) {
	h.subprocessQuitCb = cb
	h.subprocessQuitData = data
}

func (h *Handle) SetLaunchDoneCallback(cb LaunchDoneCallback, data interface{}) {
	h.launchDoneCb = cb
	h.launchDoneCbData = data
}

func defaultAbort() {
	panic("guestfs: out of memory")
}
