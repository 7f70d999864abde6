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

package mainloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type handlerEntry struct {
	cb   HandleEventFn
	data interface{}
}

// SelectLoop is the default MainLoop implementation, multiplexing registered
// descriptors with select(2). All state is held on the instance, so multiple
// independent loops per process are fine; a single loop must only be used
// from one goroutine.
//
// SelectLoop does not support timers: AddTimeout and RemoveTimeout return an
// error unconditionally.
type SelectLoop struct {
	rset unix.FdSet
	wset unix.FdSet
	xset unix.FdSet

	// Indexed by fd. len(handlers) == maxFd+1.
	handlers []handlerEntry
	maxFd    int
	nrFds    int

	// Run nesting depth.
	level int
}

func NewSelectLoop() *SelectLoop {
	return &SelectLoop{maxFd: -1}
}

func (l *SelectLoop) registered(fd int) bool {
	return l.rset.IsSet(fd) || l.wset.IsSet(fd) || l.xset.IsSet(fd)
}

func (l *SelectLoop) AddHandle(
	fd int,
	events EventMask,
	cb HandleEventFn,
	data interface{}) (Watch, error) {
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return -1, fmt.Errorf("fd %d is out of range", fd)
	}

	if events&^(Readable|Writable|Hangup|Error) != 0 {
		return -1, fmt.Errorf("set of events (0x%x) contains unknown events", uint32(events))
	}

	if events == 0 {
		return -1, fmt.Errorf("set of events is empty")
	}

	if l.registered(fd) {
		return -1, fmt.Errorf("fd %d is already registered", fd)
	}

	if cb == nil {
		return -1, fmt.Errorf("callback is nil")
	}

	if events&Readable != 0 {
		l.rset.Set(fd)
	}
	if events&Writable != 0 {
		l.wset.Set(fd)
	}
	if events&(Hangup|Error) != 0 {
		l.xset.Set(fd)
	}

	if fd > l.maxFd {
		l.maxFd = fd
		grown := make([]handlerEntry, l.maxFd+1)
		copy(grown, l.handlers)
		l.handlers = grown
	}
	l.handlers[fd] = handlerEntry{cb, data}

	l.nrFds++

	// Any non-negative integer works as the token; the fd is as good as any.
	return Watch(fd), nil
}

func (l *SelectLoop) RemoveHandle(w Watch) error {
	fd := int(w)
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return fmt.Errorf("fd %d is out of range", fd)
	}

	if !l.registered(fd) {
		return fmt.Errorf("fd %d was not registered", fd)
	}

	l.rset.Clear(fd)
	l.wset.Clear(fd)
	l.xset.Clear(fd)
	l.handlers[fd] = handlerEntry{}

	if fd == l.maxFd {
		l.maxFd--
		l.handlers = l.handlers[:l.maxFd+1]
	}

	l.nrFds--

	return nil
}

func (l *SelectLoop) AddTimeout(
	interval time.Duration,
	cb TimeoutFn,
	data interface{}) (Timer, error) {
	return -1, fmt.Errorf("SelectLoop does not support timeouts")
}

func (l *SelectLoop) RemoveTimeout(t Timer) error {
	return fmt.Errorf("SelectLoop does not support timeouts")
}

func (l *SelectLoop) Run() error {
	oldLevel := l.level
	l.level++
	for l.level > oldLevel {
		if l.nrFds == 0 {
			l.level = oldLevel
			break
		}

		// select mutates the sets in place; give it copies.
		rset := l.rset
		wset := l.wset
		xset := l.xset
		n, err := unix.Select(l.maxFd+1, &rset, &wset, &xset, nil)
		if err == unix.EINTR {
			// The Go runtime delivers signals to every thread; retry.
			continue
		}
		if err != nil {
			l.level = oldLevel
			return fmt.Errorf("select: %w", err)
		}

		for fd := 0; n > 0 && fd <= l.maxFd; fd++ {
			var events EventMask
			if rset.IsSet(fd) {
				events |= Readable
			}
			if wset.IsSet(fd) {
				events |= Writable
			}
			if xset.IsSet(fd) {
				events |= Hangup | Error
			}

			if events == 0 {
				continue
			}
			n--

			// An earlier callback in this iteration may have removed the
			// watch; do not deliver to it if so.
			if fd > l.maxFd || !l.registered(fd) {
				continue
			}

			e := l.handlers[fd]
			e.cb(e.data, Watch(fd), fd, events)
		}
	}

	return nil
}

func (l *SelectLoop) Quit() error {
	if l.level == 0 {
		return fmt.Errorf("cannot quit, we are not in a main loop")
	}

	l.level--
	return nil
}
