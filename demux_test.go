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
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/windofthesky/libguestfs/guestfstesting"
	"github.com/windofthesky/libguestfs/mainloop"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestChannelDemux(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ChannelDemuxTest struct {
	daemon *guestfstesting.Daemon
	h      *Handle

	errors       []string
	replies      []*Frame
	launchesDone int
}

func init() { RegisterTestSuite(&ChannelDemuxTest{}) }

func (t *ChannelDemuxTest) SetUp(ti *TestInfo) {
	var fd int
	var err error

	t.daemon, fd, err = guestfstesting.NewDaemonPair()
	AssertEq(nil, err)

	t.h = New()
	t.h.sockFd = fd
	t.h.state = stateLaunching

	t.h.SetErrorHandler(
		func(h *Handle, data interface{}, msg string) {
			t.errors = append(t.errors, msg)
		},
		nil)

	t.h.SetReplyCallback(
		func(h *Handle, data interface{}, frame *Frame) {
			t.replies = append(t.replies, frame)
		},
		nil)

	t.h.SetLaunchDoneCallback(
		func(h *Handle, data interface{}) {
			t.launchesDone++
		},
		nil)
}

func (t *ChannelDemuxTest) TearDown() {
	if t.h.sockFd >= 0 {
		unix.Close(t.h.sockFd)
		t.h.sockFd = -1
	}
	t.daemon.Close()

	t.h.state = stateConfig
	t.h.Close()
}

// Deliver one readable event to the channel demux, as the event loop
// would.
func (t *ChannelDemuxTest) pump() {
	sockReadEvent(
		t.h, mainloop.Watch(t.h.sockFd), t.h.sockFd, mainloop.Readable)
}

func frameBytes(payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

////////////////////////////////////////////////////////////////////////
// Ready sentinel
////////////////////////////////////////////////////////////////////////

func (t *ChannelDemuxTest) MagicAloneWhileLaunching() {
	AssertEq(nil, t.daemon.WriteReady())
	t.pump()

	ExpectEq(stateReady, t.h.state)
	ExpectEq(1, t.launchesDone)
	ExpectEq(0, t.h.in.Len())
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) MagicFiresInternalCallbackFirst() {
	var order []string

	t.h.launchDoneCbInternal = func(h *Handle, data interface{}) {
		order = append(order, "internal")
	}
	t.h.SetLaunchDoneCallback(
		func(h *Handle, data interface{}) { order = append(order, "user") },
		nil)

	AssertEq(nil, t.daemon.WriteReady())
	t.pump()

	ExpectThat(order, ElementsAre("internal", "user"))
}

func (t *ChannelDemuxTest) MagicWithTrailingBytes() {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], magicReady)
	AssertEq(nil, t.daemon.WriteRaw(append(b[:], 'X')))
	t.pump()

	ExpectThat(t.errors, ElementsAre(HasSubstr("message size is 5")))
	ExpectEq(stateLaunching, t.h.state)
	ExpectEq(0, t.launchesDone)
	ExpectEq(0, t.h.in.Len())
}

func (t *ChannelDemuxTest) MagicInWrongState() {
	t.h.state = stateReady

	AssertEq(nil, t.daemon.WriteReady())
	t.pump()

	ExpectThat(t.errors, ElementsAre(HasSubstr("but in state")))
	ExpectEq(stateReady, t.h.state)
	ExpectEq(0, t.launchesDone)
	ExpectEq(0, t.h.in.Len())
}

////////////////////////////////////////////////////////////////////////
// Reply frames
////////////////////////////////////////////////////////////////////////

func (t *ChannelDemuxTest) WholeFrameWhileBusy() {
	t.h.state = stateBusy

	AssertEq(nil, t.daemon.WriteFrame([]byte("ABC")))
	t.pump()

	AssertEq(1, len(t.replies))
	ExpectEq("ABC", string(t.replies[0].Bytes()))
	ExpectEq(3, t.replies[0].Len())
	ExpectEq(stateReady, t.h.state)
	ExpectEq(0, t.h.in.Len())
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) FrameOneByteAtATime() {
	t.h.state = stateBusy

	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x99}
	for _, c := range frameBytes(payload) {
		AssertEq(0, len(t.replies))
		AssertEq(nil, t.daemon.WriteRaw([]byte{c}))
		t.pump()
	}

	AssertEq(1, len(t.replies))
	ExpectTrue(bytes.Equal(payload, t.replies[0].Bytes()))
	ExpectEq(stateReady, t.h.state)
	ExpectEq(0, t.h.in.Len())
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) ShortPrefixHeld() {
	t.h.state = stateBusy

	AssertEq(nil, t.daemon.WriteRaw([]byte{0x00, 0x00, 0x00}))
	t.pump()

	ExpectEq(0, len(t.replies))
	ExpectEq(3, t.h.in.Len())
	ExpectEq(stateBusy, t.h.state)
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) PrefixWithoutPayloadHeld() {
	t.h.state = stateBusy

	AssertEq(nil, t.daemon.WriteRaw([]byte{0x00, 0x00, 0x00, 0x02}))
	t.pump()

	ExpectEq(0, len(t.replies))
	ExpectEq(4, t.h.in.Len())
	ExpectEq(stateBusy, t.h.state)
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) StraddledFrame() {
	t.h.state = stateBusy

	AssertEq(nil, t.daemon.WriteRaw(append(frameBytes([]byte("ABC")), 'D')))
	t.pump()

	ExpectThat(t.errors, ElementsAre(HasSubstr("len = 3")))
	ExpectEq(0, len(t.replies))
	ExpectEq(stateBusy, t.h.state)
	ExpectEq(0, t.h.in.Len())
}

func (t *ChannelDemuxTest) FrameInWrongState() {
	t.h.state = stateReady

	AssertEq(nil, t.daemon.WriteFrame([]byte("AB")))
	t.pump()

	// The error is reported, but the frame is still delivered.
	ExpectThat(t.errors, ElementsAre(HasSubstr("!= BUSY")))
	AssertEq(1, len(t.replies))
	ExpectEq("AB", string(t.replies[0].Bytes()))
	ExpectEq(stateReady, t.h.state)
}

func (t *ChannelDemuxTest) InternalReplyCallbackWins() {
	t.h.state = stateBusy

	var internal []*Frame
	t.h.replyCbInternal = func(h *Handle, data interface{}, frame *Frame) {
		internal = append(internal, frame)
	}

	AssertEq(nil, t.daemon.WriteFrame([]byte("ABC")))
	t.pump()

	// Exactly one of the two sinks sees the frame.
	ExpectEq(1, len(internal))
	ExpectEq(0, len(t.replies))
}

func (t *ChannelDemuxTest) ReplyCallbackReceivesDatum() {
	t.h.state = stateBusy

	type datum struct{ n int }
	d := &datum{n: 31}

	var got interface{}
	t.h.SetReplyCallback(
		func(h *Handle, data interface{}, frame *Frame) { got = data },
		d)

	AssertEq(nil, t.daemon.WriteFrame([]byte("x")))
	t.pump()

	ExpectEq(d, got)
}

func (t *ChannelDemuxTest) FrameDecoder() {
	t.h.state = stateBusy

	// An XDR-encoded uint32.
	AssertEq(nil, t.daemon.WriteFrame([]byte{0x00, 0x00, 0x00, 0x2a}))
	t.pump()

	AssertEq(1, len(t.replies))
	v, _, err := t.replies[0].Decoder().DecodeUint()
	AssertEq(nil, err)
	ExpectEq(42, v)
}

func (t *ChannelDemuxTest) BufferReleasedAfterLargeFrame() {
	t.h.state = stateBusy

	payload := bytes.Repeat([]byte{0xaa}, 100000)
	AssertEq(nil, t.daemon.WriteFrame(payload))

	for i := 0; len(t.replies) == 0 && i < 1000; i++ {
		t.pump()
	}

	AssertEq(1, len(t.replies))
	ExpectTrue(bytes.Equal(payload, t.replies[0].Bytes()))

	// The reassembly buffer grew past the retention bound, so it has been
	// released entirely.
	ExpectEq(0, t.h.in.Len())
	ExpectEq(0, t.h.in.Cap())
}

////////////////////////////////////////////////////////////////////////
// Edge conditions
////////////////////////////////////////////////////////////////////////

func (t *ChannelDemuxTest) EOFIsIgnored() {
	t.daemon.Close()
	t.pump()

	// Child death is the stdout demux's business.
	ExpectEq(stateLaunching, t.h.state)
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) SpuriousReadableIsIgnored() {
	t.pump()

	ExpectEq(stateLaunching, t.h.state)
	ExpectEq(0, t.h.in.Len())
	ExpectThat(t.errors, ElementsAre())
}

func (t *ChannelDemuxTest) WrongDescriptor() {
	sockReadEvent(t.h, mainloop.Watch(0), t.h.sockFd+1, mainloop.Readable)

	ExpectThat(t.errors, ElementsAre(HasSubstr("internal error")))
}
