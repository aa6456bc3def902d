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

// Package unwind reconstructs Python call stacks by following the
// interpreter's intrusive frame chain through foreign memory. The chain
// lives in memory the profiler does not control and the target can mutate
// mid-read, so every traversal is bounded by depth and a visited set;
// tripping a guard degrades one thread's sample, never the session.
package unwind

import (
	"errors"
	"fmt"

	"github.com/pyscope-dev/pyscope/pkg/memory"
	"github.com/pyscope-dev/pyscope/pkg/profile"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
)

const (
	// maxDepth bounds a single frame chain. Python's own default recursion
	// limit is 1000, but stacks past this depth carry no extra flame-graph
	// signal and a corrupted chain must terminate.
	maxDepth = 128

	// maxThreads bounds the interpreter's thread-state list.
	maxThreads = 256

	// maxInterpreters bounds the interpreter list. More than one is already
	// exotic.
	maxInterpreters = 8
)

var (
	// ErrTooDeep reports a frame chain longer than maxDepth.
	ErrTooDeep = errors.New("frame chain exceeds depth bound")
	// ErrCycle reports a back-reference pointing at an already visited
	// address, i.e. transiently inconsistent or corrupted target memory.
	ErrCycle = errors.New("cycle in frame chain")
)

// UnwindError is a malformed sample for one thread. The session continues.
type UnwindError struct {
	ThreadState uint64
	Err         error
}

func (e *UnwindError) Error() string {
	return fmt.Sprintf("unwind thread state 0x%016x: %v", e.ThreadState, e.Err)
}

func (e *UnwindError) Unwrap() error { return e.Err }

// Unwinder walks one attached interpreter's frame structures. It holds no
// state between samples beyond the layout selected at attach time.
type Unwinder struct {
	mem    memory.Reader
	layout pyruntime.Layout
}

func NewUnwinder(mem memory.Reader, layout pyruntime.Layout) *Unwinder {
	return &Unwinder{mem: mem, layout: layout}
}

// ThreadStates returns the addresses of every PyThreadState reachable from
// the interpreter-list head pointer at interpHead, bounded and cycle
// guarded.
func (u *Unwinder) ThreadStates(interpHead uint64) ([]uint64, error) {
	interp, err := memory.Uint64(u.mem, interpHead)
	if err != nil {
		return nil, fmt.Errorf("read interpreter head: %w", err)
	}

	var (
		tstates []uint64
		visited = map[uint64]struct{}{}
	)
	for ninterp := 0; interp != 0; ninterp++ {
		if ninterp >= maxInterpreters {
			return tstates, fmt.Errorf("interpreter list: %w", ErrTooDeep)
		}
		if _, ok := visited[interp]; ok {
			return tstates, fmt.Errorf("interpreter list: %w", ErrCycle)
		}
		visited[interp] = struct{}{}

		tstate, err := memory.Uint64(u.mem, interp+u.layout.InterpreterState.TStateHead)
		if err != nil {
			return tstates, fmt.Errorf("read tstate head: %w", err)
		}
		for ntstate := 0; tstate != 0; ntstate++ {
			if ntstate >= maxThreads {
				return tstates, fmt.Errorf("thread state list: %w", ErrTooDeep)
			}
			if _, ok := visited[tstate]; ok {
				return tstates, fmt.Errorf("thread state list: %w", ErrCycle)
			}
			visited[tstate] = struct{}{}
			tstates = append(tstates, tstate)

			tstate, err = memory.Uint64(u.mem, tstate+u.layout.ThreadState.Next)
			if err != nil {
				return tstates, fmt.Errorf("read tstate next: %w", err)
			}
		}

		interp, err = memory.Uint64(u.mem, interp+u.layout.InterpreterState.Next)
		if err != nil {
			return tstates, fmt.Errorf("read interpreter next: %w", err)
		}
	}
	return tstates, nil
}

// Unwind follows the frame chain of one thread state, innermost frame
// first. A thread with no current frame yields (nil, nil): it is not
// executing Python code. When the chain turns out malformed or partially
// unreadable, the frames gathered so far are returned alongside the
// *UnwindError so the caller can keep the partial stack.
func (u *Unwinder) Unwind(tstate uint64) ([]profile.RawFrame, error) {
	frameAddr, err := memory.Uint64(u.mem, tstate+u.layout.ThreadState.Frame)
	if err != nil {
		return nil, &UnwindError{ThreadState: tstate, Err: err}
	}

	var (
		frames  []profile.RawFrame
		visited = map[uint64]struct{}{}
	)
	for depth := 0; frameAddr != 0; depth++ {
		if depth >= maxDepth {
			return frames, &UnwindError{ThreadState: tstate, Err: ErrTooDeep}
		}
		if _, ok := visited[frameAddr]; ok {
			return frames, &UnwindError{ThreadState: tstate, Err: ErrCycle}
		}
		visited[frameAddr] = struct{}{}

		codeAddr, err := memory.Uint64(u.mem, frameAddr+u.layout.Frame.Code)
		if err != nil {
			return frames, &UnwindError{ThreadState: tstate, Err: err}
		}
		lasti, err := memory.Int32(u.mem, frameAddr+u.layout.Frame.LastI)
		if err != nil {
			return frames, &UnwindError{ThreadState: tstate, Err: err}
		}
		frames = append(frames, profile.RawFrame{CodeAddr: codeAddr, LastI: lasti})

		frameAddr, err = memory.Uint64(u.mem, frameAddr+u.layout.Frame.Back)
		if err != nil {
			return frames, &UnwindError{ThreadState: tstate, Err: err}
		}
	}
	return frames, nil
}
