// Copyright 2024 The Pyscope Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ptrace controls a traced process: it seizes every thread of the
// target, pauses and resumes them as a group, and detaches cleanly. The
// tracee keeps running between pauses, so the target only stops for the
// brief window in which its memory is read.
package ptrace

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// ErrTargetExited reports that the traced process is gone. Callers treat it
// as a normal end of the session, not a failure.
var ErrTargetExited = errors.New("target process exited")

// AttachError reports a failure to gain control of the target.
type AttachError struct {
	Pid int
	Err error
}

func (e *AttachError) Error() string {
	msg := fmt.Sprintf("attaching to pid %d: %v", e.Pid, e.Err)
	if errors.Is(e.Err, unix.EPERM) {
		msg += " (needs CAP_SYS_PTRACE or a permissive kernel.yama.ptrace_scope)"
	}
	return msg
}

func (e *AttachError) Unwrap() error { return e.Err }

// ptraceRun runs all the closures from fc on a dedicated OS thread. Errors
// are returned on ec. Both channels must be unbuffered, to ensure that the
// resultant error is sent back to the same goroutine that sent the closure.
// The kernel ties a ptrace attachment to the attaching thread, so every
// ptrace and wait call for a tracee has to happen on this one thread.
func ptraceRun(fc chan func() error, ec chan error) {
	if cap(fc) != 0 || cap(ec) != 0 {
		panic("ptraceRun was given buffered channels")
	}
	runtime.LockOSThread()
	for f := range fc {
		ec <- f()
	}
}

// Controller holds a ptrace attachment to every thread of one process.
type Controller struct {
	pid int

	fc chan func() error
	ec chan error

	tids     map[int]struct{}
	pending  map[int]unix.Signal
	paused   bool
	detached bool
}

// call runs f on the ptrace thread and returns its error.
func (c *Controller) call(f func() error) error {
	c.fc <- f
	return <-c.ec
}

func ptraceReq(req, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE,
		uintptr(req), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// listThreads enumerates the thread ids of pid. A missing task directory
// means the process is gone.
func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTargetExited
		}
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		var tid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &tid); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// Seize attaches to every thread of pid without stopping any of them. New
// threads spawned while the scan is in progress are picked up by re-scanning
// until a pass finds nothing new.
func Seize(pid int) (*Controller, error) {
	c := &Controller{
		pid:     pid,
		fc:      make(chan func() error),
		ec:      make(chan error),
		tids:    map[int]struct{}{},
		pending: map[int]unix.Signal{},
	}
	go ptraceRun(c.fc, c.ec)

	err := c.call(func() error {
		for {
			tids, err := listThreads(pid)
			if err != nil {
				return err
			}
			grew := false
			for _, tid := range tids {
				if _, ok := c.tids[tid]; ok {
					continue
				}
				if err := ptraceReq(unix.PTRACE_SEIZE, tid, 0, 0); err != nil {
					if errors.Is(err, unix.ESRCH) {
						// Lost a race with thread exit.
						continue
					}
					return err
				}
				c.tids[tid] = struct{}{}
				grew = true
			}
			if !grew {
				return nil
			}
		}
	})
	if err != nil {
		c.shutdown()
		if errors.Is(err, ErrTargetExited) || errors.Is(err, unix.ESRCH) {
			return nil, &AttachError{Pid: pid, Err: ErrTargetExited}
		}
		return nil, &AttachError{Pid: pid, Err: err}
	}
	if len(c.tids) == 0 {
		c.shutdown()
		return nil, &AttachError{Pid: pid, Err: ErrTargetExited}
	}
	return c, nil
}

// Pid returns the process id the controller is attached to.
func (c *Controller) Pid() int { return c.pid }

// interruptThread stops one seized thread and waits for it to report the
// stop. A thread that exits under us is dropped from the set.
func (c *Controller) interruptThread(tid int) error {
	if err := ptraceReq(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			delete(c.tids, tid)
			return nil
		}
		return err
	}
	var ws unix.WaitStatus
	for {
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ECHILD) || errors.Is(err, unix.ESRCH) {
				delete(c.tids, tid)
				return nil
			}
			return err
		}
		if ws.Exited() || ws.Signaled() {
			delete(c.tids, tid)
			delete(c.pending, tid)
			return nil
		}
		if ws.Stopped() {
			// Our PTRACE_INTERRUPT reports SIGTRAP with PTRACE_EVENT_STOP;
			// plain group-stops carry the event in the same high bits.
			if ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_STOP {
				return nil
			}
			if int(ws>>16) == unix.PTRACE_EVENT_STOP {
				return nil
			}
			// Signal-delivery-stop: the kernel intercepted a signal bound
			// for the target. Hold it and re-inject on resume so tracing
			// stays invisible to the target.
			c.pending[tid] = ws.StopSignal()
			return nil
		}
	}
}

// seizeNew picks up threads spawned since the last scan. Best effort: a
// thread that exits mid-scan is skipped.
func (c *Controller) seizeNew() {
	tids, err := listThreads(c.pid)
	if err != nil {
		return
	}
	for _, tid := range tids {
		if _, ok := c.tids[tid]; ok {
			continue
		}
		if err := ptraceReq(unix.PTRACE_SEIZE, tid, 0, 0); err == nil {
			c.tids[tid] = struct{}{}
		}
	}
}

// PauseAll stops every traced thread and returns once all of them are
// stopped. If the whole process died, it returns ErrTargetExited.
func (c *Controller) PauseAll() error {
	return c.call(func() error {
		if c.detached {
			return ErrTargetExited
		}
		c.seizeNew()
		for tid := range c.tids {
			if err := c.interruptThread(tid); err != nil {
				return err
			}
		}
		if len(c.tids) == 0 {
			return ErrTargetExited
		}
		c.paused = true
		return nil
	})
}

// ResumeAll restarts every traced thread after a pause, re-injecting any
// signal intercepted while the thread was stopped so the target observes
// the same signals it would untraced.
func (c *Controller) ResumeAll() error {
	return c.call(func() error {
		if c.detached {
			return ErrTargetExited
		}
		for tid := range c.tids {
			sig := 0
			if s, ok := c.pending[tid]; ok {
				sig = int(s)
				delete(c.pending, tid)
			}
			if err := unix.PtraceCont(tid, sig); err != nil {
				if errors.Is(err, unix.ESRCH) {
					delete(c.tids, tid)
					continue
				}
				return err
			}
		}
		c.paused = false
		if len(c.tids) == 0 {
			return ErrTargetExited
		}
		return nil
	})
}

// Detach releases every traced thread and lets the target run freely. It is
// idempotent and safe to call whether or not the target is paused or alive.
func (c *Controller) Detach() error {
	if c == nil {
		return nil
	}
	err := c.call(func() error {
		if c.detached {
			return nil
		}
		c.detached = true
		for tid := range c.tids {
			// A seized thread can only be detached while stopped.
			if !c.paused {
				if err := c.interruptThread(tid); err != nil {
					continue
				}
				if _, ok := c.tids[tid]; !ok {
					continue
				}
			}
			sig := 0
			if s, ok := c.pending[tid]; ok {
				sig = int(s)
				delete(c.pending, tid)
			}
			// Detach delivers a pending signal the same way resume does.
			if err := ptraceReq(unix.PTRACE_DETACH, tid, 0, uintptr(sig)); err != nil && !errors.Is(err, unix.ESRCH) {
				delete(c.tids, tid)
				continue
			}
			delete(c.tids, tid)
		}
		return nil
	})
	c.shutdown()
	return err
}

func (c *Controller) shutdown() {
	close(c.fc)
}
