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

// Package guestfstesting provides helpers for testing code that speaks the
// daemon wire protocol: a fake in-guest daemon endpoint connected to the
// handle under test by a socketpair.
package guestfstesting

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// The length-prefix value announcing that the appliance is up. Must match
// the value the library recognizes.
const MagicReady = 0xf5f55ff5

// Daemon is the appliance side of a socketpair, for feeding frames to the
// channel demux under test.
type Daemon struct {
	fd int
}

// NewDaemonPair creates a connected socketpair and returns the daemon-side
// endpoint plus the raw descriptor for the library side. The library-side
// descriptor is non-blocking, as it would be after a real launch.
func NewDaemonPair() (*Daemon, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, -1, err
	}

	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, -1, err
	}

	return &Daemon{fd: fds[0]}, fds[1], nil
}

// WriteRaw writes bytes to the library side exactly as given.
func (d *Daemon) WriteRaw(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(d.fd, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// WriteReady announces the appliance start-up greeting.
func (d *Daemon) WriteReady() error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], MagicReady)
	return d.WriteRaw(b[:])
}

// WriteFrame writes one complete message frame: the payload preceded by
// its 4-byte big-endian length.
func (d *Daemon) WriteFrame(payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if err := d.WriteRaw(prefix[:]); err != nil {
		return err
	}
	return d.WriteRaw(payload)
}

// ReadFrame reads one complete frame sent by the library side, returning
// its payload. Blocks until the frame is complete.
func (d *Daemon) ReadFrame() ([]byte, error) {
	var prefix [4]byte
	if err := d.readFull(prefix[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if err := d.readFull(payload); err != nil {
		return nil, err
	}

	return payload, nil
}

func (d *Daemon) readFull(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(d.fd, b)
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ECONNRESET
		}
		b = b[n:]
	}
	return nil
}

// Close closes the daemon side of the pair. The library side sees EOF.
func (d *Daemon) Close() {
	unix.Close(d.fd)
}
