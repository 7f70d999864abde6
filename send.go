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

	"golang.org/x/sys/unix"

	"github.com/windofthesky/libguestfs/mainloop"
)

// Send transmits one message to the daemon. The payload is framed with a
// 4-byte big-endian length prefix; its encoding is the caller's business.
// The session must be READY, and becomes BUSY until the daemon's reply
// frame is delivered through the reply callback.
//
// If the socket buffer fills before the frame is fully written, the
// remainder is drained through a writable watch; the reply cannot arrive
// before the daemon has seen the whole request, so the read watch is
// suspended meanwhile.
func (h *Handle) Send(payload []byte) error {
	if h.state != stateReady {
		return h.errorf("cannot send message in state %d", h.state)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	h.state = stateBusy
	h.out = frame

	if err := h.flushOut(); err != nil {
		return err
	}

	if len(h.out) > 0 {
		if err := h.watchWritable(); err != nil {
			return err
		}
	}

	return nil
}

// Write as much of the pending outbound frame as the socket will take.
// EAGAIN leaves the remainder pending; any other error is reported.
func (h *Handle) flushOut() error {
	for len(h.out) > 0 {
		n, err := unix.Write(h.sockFd, h.out)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return h.perrorf(err, "write")
		}
		h.out = h.out[n:]
	}

	h.out = nil
	return nil
}

// Swap the socket watch from readable to writable while an outbound frame
// is pending. The default loop allows one watch per descriptor, so the
// read interest is re-registered once the frame has drained.
func (h *Handle) watchWritable() error {
	if err := h.loop.RemoveHandle(h.sockWatch); err != nil {
		return h.errorf("could not suspend daemon socket watch: %v", err)
	}
	h.sockWatch = -1

	w, err := h.loop.AddHandle(h.sockFd, mainloop.Writable, sockWriteEvent, h)
	if err != nil {
		return h.errorf("could not watch daemon socket for writing: %v", err)
	}

	h.sockWatch = w
	return nil
}

// Invoked while an outbound frame is pending and the socket can take more.
func sockWriteEvent(data interface{}, watch mainloop.Watch, fd int, events mainloop.EventMask) {
	h := data.(*Handle)

	if h.sockFd != fd {
		h.errorf("sockWriteEvent: internal error: %d != %d", h.sockFd, fd)
		return
	}

	if err := h.flushOut(); err != nil {
		return
	}

	if len(h.out) > 0 {
		return
	}

	// Drained; restore the read watch.
	if err := h.loop.RemoveHandle(h.sockWatch); err != nil {
		h.errorf("could not remove daemon socket write watch: %v", err)
		return
	}
	h.sockWatch = -1

	w, err := h.loop.AddHandle(
		h.sockFd, mainloop.Readable|mainloop.Hangup|mainloop.Error,
		sockReadEvent, h)
	if err != nil {
		h.errorf("could not restore daemon socket watch: %v", err)
		return
	}

	h.sockWatch = w
}

// SendSync transmits one message and runs the event loop until the reply
// frame arrives, which it returns. It piggy-backs on the channel demux via
// the internal reply slot, leaving any user reply callback undisturbed.
func (h *Handle) SendSync(payload []byte) (*Frame, error) {
	var reply *Frame

	h.replyCbInternal = finishSendSync
	h.replyCbInternalData = &reply

	defer func() {
		h.replyCbInternal = nil
		h.replyCbInternalData = nil
	}()

	if err := h.Send(payload); err != nil {
		return nil, err
	}

	if err := h.loop.Run(); err != nil {
		h.errorf("main loop: %v", err)
	}

	if reply == nil {
		return nil, h.errorf("SendSync failed, see earlier error messages")
	}

	return reply, nil
}

func finishSendSync(h *Handle, data interface{}, frame *Frame) {
	*(data.(**Frame)) = frame
	h.loop.Quit()
}
