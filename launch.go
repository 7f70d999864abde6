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
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/windofthesky/libguestfs/mainloop"
)

// The vmchannel rendezvous shared with the in-guest daemon. These must
// match what guestfsd expects bit-for-bit.
const (
	vmchannelPort = 6666
	vmchannelAddr = "10.0.2.4"
)

const (
	defaultQemu   = "/usr/bin/qemu-system-x86_64"
	defaultKernel = "vmlinuz.fedora-10.x86_64"
	defaultInitrd = "initramfs.fedora-10.x86_64.img"
	defaultMemory = "384"
)

// Both ends of the vmchannel socket call connect(2), and qemu creates its
// end asynchronously some unknown time after exec, so connecting is
// inherently racy. Retry on this schedule before giving up.
const (
	connectRetries    = 100
	connectRetryDelay = 10 * time.Millisecond
)

// Launch boots the appliance: it materializes the temporary directory and
// rendezvous socket path, spawns qemu with the console wired to a pair of
// pipes, connects to the vmchannel socket, and registers the event-loop
// watches. On success the session is in the LAUNCHING state; it becomes
// READY once the daemon's magic greeting arrives (see WaitReady).
func (h *Handle) Launch() error {
	// Configured?
	if len(h.cmdline) == 0 {
		return h.errorf("you must call AddDrive before Launch")
	}

	if h.state != stateConfig {
		return h.errorf("qemu has already been launched")
	}

	// Make the temporary directory containing the rendezvous socket.
	if h.tmpDir == "" {
		dir, err := os.MkdirTemp("", "libguestfs")
		if err != nil {
			return h.perrorf(err, "cannot create temporary directory")
		}
		h.tmpDir = dir
	}

	sockPath := filepath.Join(h.tmpDir, "sock")
	os.Remove(sockPath)

	// One pipe carries host to guest-console bytes (qemu's stdin), the
	// other carries the guest console back to us (qemu's stdout).
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return h.perrorf(err, "pipe")
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return h.perrorf(err, "pipe")
	}

	argv := h.launchArgv(sockPath)

	if h.verbose {
		fmt.Fprintln(os.Stderr, strings.Join(argv, " "))
	}

	getLogger().Printf("Launching appliance: %s", h.qemu)

	cmd := &exec.Cmd{
		Path:   h.qemu,
		Args:   argv,
		Stdin:  stdinR,
		Stdout: stdoutW,
		Stderr: os.Stderr,
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return h.perrorf(err, "%s", h.qemu)
	}

	h.cmd = cmd
	h.pid = cmd.Process.Pid

	// Start the clock ...
	h.startTime = h.clock.Now()

	// Close the child's ends of the pipes and keep ours, non-blocking so
	// the demux handlers never stall the loop.
	stdinR.Close()
	stdoutW.Close()

	h.stdinFile = stdinW
	h.stdoutFile = stdoutR
	h.stdinFd = int(stdinW.Fd())
	h.stdoutFd = int(stdoutR.Fd())

	err = unix.SetNonblock(h.stdinFd, true)
	if err == nil {
		err = unix.SetNonblock(h.stdoutFd, true)
	}
	if err != nil {
		return h.launchUnwind(h.perrorf(err, "fcntl"))
	}

	// Open the vmchannel socket and race qemu to the rendezvous.
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return h.launchUnwind(h.perrorf(err, "socket"))
	}
	h.sockFd = sock

	if err := unix.SetNonblock(sock, true); err != nil {
		return h.launchUnwind(h.perrorf(err, "fcntl"))
	}

	if err := h.connectRendezvous(sockPath); err != nil {
		return h.launchUnwind(err)
	}

	getLogger().Printf("Connected to daemon socket %s", sockPath)

	// Fresh message buffers for this session.
	h.in.Discard()
	h.out = nil

	// Watch the file descriptors.
	h.stdoutWatch, err = h.loop.AddHandle(
		h.stdoutFd, mainloop.Readable, stdoutEvent, h)
	if err != nil {
		return h.launchUnwind(h.errorf("could not watch qemu stdout: %v", err))
	}

	h.sockWatch, err = h.loop.AddHandle(
		h.sockFd, mainloop.Readable|mainloop.Hangup|mainloop.Error,
		sockReadEvent, h)
	if err != nil {
		return h.launchUnwind(
			h.errorf("could not watch daemon communications socket: %v", err))
	}

	h.state = stateLaunching
	return nil
}

// Build the full qemu argv: the user-configured tail plus the parameters
// the launcher reserves, in a fixed order.
func (h *Handle) launchArgv(sockPath string) []string {
	vmchannel := fmt.Sprintf(
		"channel,%d:unix:%s,server,nowait", vmchannelPort, sockPath)

	// Linux kernel command line.
	kernelAppend := fmt.Sprintf(
		"console=ttyS0 guestfs=%s:%d", vmchannelAddr, vmchannelPort)

	argv := make([]string, len(h.cmdline), len(h.cmdline)+18)
	copy(argv, h.cmdline)
	argv[0] = h.qemu

	argv = append(argv,
		"-m", h.memory,
		"-kernel", h.kernel,
		"-initrd", h.initrd,
		"-append", kernelAppend,
		"-nographic",
		"-serial", "stdio",
		"-net", vmchannel,
		"-net", "user,vlan=0",
		"-net", "nic,vlan=0")

	return argv
}

// Loop connecting to the rendezvous socket until qemu has created its end.
// Success and "in progress" both count as connected; everything else is
// retried until the attempts are exhausted.
func (h *Handle) connectRendezvous(sockPath string) error {
	sa := &unix.SockaddrUnix{Name: sockPath}

	for tries := connectRetries; tries > 0; tries-- {
		// Always sleep at least once to give qemu a small chance to start.
		time.Sleep(connectRetryDelay)

		err := unix.Connect(h.sockFd, sa)
		if err == nil || err == unix.EINPROGRESS {
			return nil
		}
	}

	return h.errorf("failed to connect to vmchannel socket")
}

// Unwind a partially-completed Launch: deregister any installed watches,
// close the socket and pipe ends, kill and reap the child, and reset the
// handle's descriptor fields to their unset sentinels. Returns the error
// the launch fails with, already reported by the caller.
func (h *Handle) launchUnwind(err error) error {
	if h.stdoutWatch >= 0 {
		h.loop.RemoveHandle(h.stdoutWatch)
	}
	if h.sockWatch >= 0 {
		h.loop.RemoveHandle(h.sockWatch)
	}

	if h.sockFd >= 0 {
		unix.Close(h.sockFd)
	}
	h.stdinFile.Close()
	h.stdoutFile.Close()

	h.cmd.Process.Kill()
	h.cmd.Wait()

	h.resetSubprocessFields()
	return err
}

// KillSubprocess sends SIGTERM to the qemu subprocess. The child is reaped,
// and the session collapsed back to CONFIG, when its stdout pipe reaches
// EOF (see stdoutEvent).
func (h *Handle) KillSubprocess() error {
	if h.state == stateConfig {
		return h.errorf("no subprocess to kill")
	}

	if h.verbose {
		fmt.Fprintf(os.Stderr, "sending SIGTERM to process %d\n", h.pid)
	}

	h.cmd.Process.Signal(unix.SIGTERM)
	return nil
}

// WaitReady runs the event loop until the daemon's magic greeting arrives
// and the session becomes READY. It piggy-backs on the channel demux via
// the internal launch-done slot, leaving any user launch-done callback
// undisturbed.
func (h *Handle) WaitReady() error {
	if h.state == stateReady {
		return nil
	}

	if h.state == stateBusy {
		return h.errorf("qemu has finished launching already")
	}

	if h.state != stateLaunching {
		return h.errorf("qemu has not been launched yet")
	}

	finished := false
	h.launchDoneCbInternal = finishWaitReady
	h.launchDoneCbInternalData = &finished

	runErr := h.loop.Run()

	h.launchDoneCbInternal = nil
	h.launchDoneCbInternalData = nil

	if runErr != nil {
		h.errorf("main loop: %v", runErr)
	}

	if !finished {
		return h.errorf("WaitReady failed, see earlier error messages")
	}

	// This is possible in some really strange situations, such as the
	// daemon coming up and then qemu immediately exiting. Check for it
	// because the caller is probably expecting to send commands next.
	if h.state != stateReady {
		return h.errorf("qemu launched and contacted daemon, but state != READY")
	}

	return nil
}

func finishWaitReady(h *Handle, data interface{}) {
	*(data.(*bool)) = true
	h.loop.Quit()
}

// Drop every record of the subprocess: descriptors back to their unset
// sentinels, watches cleared, pid and start time zeroed.
func (h *Handle) resetSubprocessFields() {
	h.cmd = nil
	h.pid = 0
	h.startTime = time.Time{}
	h.stdinFile = nil
	h.stdoutFile = nil
	h.stdinFd = -1
	h.stdoutFd = -1
	h.sockFd = -1
	h.stdoutWatch = -1
	h.sockWatch = -1
}

// Remove the watches, close all three descriptors, and reap the child.
// Used by Close after SIGTERM, and shared with nothing else: the stdout
// EOF path reaps inline since the child is already dead there.
func (h *Handle) teardownSubprocess() {
	if h.stdoutWatch >= 0 {
		h.loop.RemoveHandle(h.stdoutWatch)
	}
	if h.sockWatch >= 0 {
		h.loop.RemoveHandle(h.sockWatch)
	}

	h.stdinFile.Close()
	h.stdoutFile.Close()
	if h.sockFd >= 0 {
		unix.Close(h.sockFd)
	}

	// The child has been signalled; this wait is expected to be brief.
	h.cmd.Wait()

	h.resetSubprocessFields()
}
