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

	"github.com/davecgh/go-xdr/xdr2"
)

// Frame is one complete message received from the daemon, with its length
// prefix stripped. The payload encoding is opaque to this package; replies
// carry XDR-encoded structures, for which Decoder returns a positioned
// decode stream.
type Frame struct {
	payload []byte
}

func newFrame(payload []byte) *Frame {
	// Copy: the reassembly buffer is reused as soon as the next read
	// arrives, possibly from a nested event-loop level.
	f := &Frame{payload: make([]byte, len(payload))}
	copy(f.payload, payload)
	return f
}

// Bytes returns the raw payload.
func (f *Frame) Bytes() []byte {
	return f.payload
}

// Len returns the payload length in bytes.
func (f *Frame) Len() int {
	return len(f.payload)
}

// Decoder returns a fresh XDR decode stream positioned at the start of the
// payload.
func (f *Frame) Decoder() *xdr.Decoder {
	return xdr.NewDecoder(bytes.NewReader(f.payload))
}
