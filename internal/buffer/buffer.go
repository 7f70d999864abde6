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

// Package buffer provides the reassembly buffer into which bytes from the
// daemon communication socket are accumulated until a complete message
// frame is available.
package buffer

import (
	"github.com/jacobsa/syncutil"
)

// Grow the backing storage in steps of this many bytes.
const growIncrement = 4096

// Release the backing storage entirely, rather than retaining it for reuse,
// once its capacity exceeds this many bytes.
const maxRetainedCapacity = 65536

// Inbound accumulates bytes read from the daemon socket. It grows on demand
// and is reset after each delivered frame, retaining modest backing storage
// for reuse.
//
// Must be created with NewInbound.
//
// INVARIANT: 0 <= size <= capacity
type Inbound struct {
	mu syncutil.InvariantMutex

	// The accumulated bytes are storage[:size]; capacity is len(storage).
	//
	// INVARIANT: size <= len(storage)
	storage []byte
	size    int
}

func NewInbound() *Inbound {
	b := &Inbound{}
	b.mu = syncutil.NewInvariantMutex(b.checkInvariants)
	return b
}

func (b *Inbound) checkInvariants() {
	if b.size < 0 || b.size > len(b.storage) {
		panic("Inbound: size out of range")
	}
}

// Ensure there is at least one free byte of storage beyond the accumulated
// contents, growing the capacity by a fixed increment if, and only if, the
// buffer is full.
func (b *Inbound) EnsureSpace() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.storage) {
		grown := make([]byte, len(b.storage)+growIncrement)
		copy(grown, b.storage)
		b.storage = grown
	}
}

// Return the free region between the accumulated contents and the end of
// the backing storage, for a read to fill. May be empty; call EnsureSpace
// first.
func (b *Inbound) Tail() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.storage[b.size:]
}

// Record that n further bytes of the tail have been filled.
func (b *Inbound) Advance(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.size += n
}

// Return the number of accumulated bytes.
func (b *Inbound) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.size
}

// Return the capacity of the backing storage.
func (b *Inbound) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.storage)
}

// Return the accumulated bytes.
func (b *Inbound) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.storage[:b.size]
}

// Discard the accumulated contents. The backing storage is retained for the
// next message unless it has grown excessively large, in which case it is
// released entirely.
func (b *Inbound) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.storage) > maxRetainedCapacity {
		b.storage = nil
	}
	b.size = 0
}
