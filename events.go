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
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/windofthesky/libguestfs/mainloop"
)

// When the daemon starts up inside the guest it announces itself by
// sending this magic value in place of a frame's length prefix. It is
// longer than any possible message, and must match the daemon bit-for-bit.
const magicReady = 0xf5f55ff5

// Invoked whenever qemu prints something on stdout. Qemu's stdout is also
// connected to the guest's serial console, so kernel messages arrive here
// too. EOF means the child has died (or is about to).
func stdoutEvent(data interface{}, watch mainloop.Watch, fd int, events mainloop.EventMask) {
	h := data.(*Handle)

	if h.stdoutFd != fd {
		h.errorf("stdoutEvent: internal error: %d != %d", h.stdoutFd, fd)
		return
	}

	var buf [4096]byte
	n, err := unix.Read(fd, buf[:])

	if err != nil {
		if err != unix.EAGAIN {
			h.perrorf(err, "read")
		}
		return
	}

	if n == 0 {
		if h.verbose {
			fmt.Fprintf(os.Stderr, "stdoutEvent: child process died\n")
		}

		// The child has closed its side, so this wait returns immediately.
		h.cmd.Wait()

		if h.stdoutWatch >= 0 {
			h.loop.RemoveHandle(h.stdoutWatch)
		}
		if h.sockWatch >= 0 {
			h.loop.RemoveHandle(h.sockWatch)
		}
		h.stdinFile.Close()
		h.stdoutFile.Close()
		unix.Close(h.sockFd)

		h.resetSubprocessFields()
		h.state = stateConfig

		if h.subprocessQuitCb != nil {
			h.subprocessQuitCb(h, h.subprocessQuitData)
		}
		return
	}

	// In verbose mode, copy all log messages to stderr.
	if h.verbose {
		os.Stderr.Write(buf[:n])
	}

	// It's an actual log message; send it upwards if anyone is listening.
	if h.logCb != nil {
		h.logCb(h, h.logCbData, buf[:n])
	}
}

// Invoked whenever there is something to read on the daemon communication
// socket. Accumulates bytes until a complete frame (or the magic ready
// greeting) is buffered, then dispatches it.
func sockReadEvent(data interface{}, watch mainloop.Watch, fd int, events mainloop.EventMask) {
	h := data.(*Handle)

	if h.verbose {
		fmt.Fprintf(os.Stderr,
			"sockReadEvent: state = %d, fd = %d, events = 0x%x\n",
			h.state, fd, uint32(events))
	}

	if h.sockFd != fd {
		h.errorf("sockReadEvent: internal error: %d != %d", h.sockFd, fd)
		return
	}

	h.in.EnsureSpace()
	n, err := unix.Read(fd, h.in.Tail())

	if err != nil {
		if err != unix.EAGAIN {
			h.perrorf(err, "read")
		}
		return
	}

	if n == 0 {
		// Disconnected? Ignore it: the stdout watch will see EOF and do
		// the cleanup.
		return
	}

	h.in.Advance(n)

	// Have we got enough of a message to be able to process it yet?
	if h.in.Len() < 4 {
		return
	}

	length := binary.BigEndian.Uint32(h.in.Bytes())

	if length == magicReady {
		h.magicReceived()
		return
	}

	payload := h.in.Bytes()[4:]

	if uint64(len(payload)) < uint64(length) {
		// Need more of this message.
		return
	}

	// This should not happen, and if it does it probably means we have
	// lost all hope of synchronization.
	if uint64(len(payload)) > uint64(length) {
		h.errorf("len = %d, but %d bytes of payload buffered", length, len(payload))
		h.in.Discard()
		return
	}

	// Not in the expected state.
	if h.state != stateBusy {
		h.errorf("state %d != BUSY", h.state)
	}

	// Push the message up to the higher layer. The state transition and the
	// buffer reset happen first, so the callback may issue the next message
	// immediately. Note that unlike the launch-done pair, at most one of
	// the two reply callbacks is invoked per frame.
	frame := newFrame(payload)
	h.in.Discard()
	h.state = stateReady

	if h.replyCbInternal != nil {
		h.replyCbInternal(h, h.replyCbInternalData, frame)
	} else if h.replyCb != nil {
		h.replyCb(h, h.replyCbData, frame)
	}
}

// The daemon's start-up greeting arrived. Valid only while LAUNCHING and
// only by itself in the buffer; anything else is a framing desync.
func (h *Handle) magicReceived() {
	switch {
	case h.state != stateLaunching:
		h.errorf("received magic signature from guestfsd, but in state %d", h.state)
	case h.in.Len() != 4:
		h.errorf("received magic signature from guestfsd, but message size is %d", h.in.Len())
	default:
		h.in.Discard()
		h.state = stateReady

		// Both launch-done callbacks fire, internal first.
		if h.launchDoneCbInternal != nil {
			h.launchDoneCbInternal(h, h.launchDoneCbInternalData)
		}
		if h.launchDoneCb != nil {
			h.launchDoneCb(h, h.launchDoneCbData)
		}
		return
	}

	h.in.Discard()
}
