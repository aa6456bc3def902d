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

package unwind

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/pyscope-dev/pyscope/pkg/profile"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
	"github.com/pyscope-dev/pyscope/pkg/testutil"
)

func layout(t *testing.T, version string) pyruntime.Layout {
	t.Helper()
	l, err := pyruntime.LayoutForVersion(semver.MustParse(version))
	require.NoError(t, err)
	return l
}

const (
	interpHead = uint64(0x1000) // address of the head pointer
	interpAddr = uint64(0x2000)
	tstate1    = uint64(0x3000)
	tstate2    = uint64(0x3800)
	frameA     = uint64(0x4000)
	frameB     = uint64(0x4800)
	frameC     = uint64(0x5000)
	codeA      = uint64(0x6000)
	codeB      = uint64(0x6800)
)

func TestUnwindFrameChain(t *testing.T) {
	for _, version := range []string{"2.7.15", "3.6.3", "3.8.10", "3.10.4"} {
		t.Run(version, func(t *testing.T) {
			img := testutil.NewPythonImage(layout(t, version))
			img.PutThreadState(tstate1, 0, frameA)
			img.PutFrame(frameA, frameB, codeA, 10) // innermost
			img.PutFrame(frameB, frameC, codeB, 20)
			img.PutFrame(frameC, 0, codeA, 30) // outermost

			u := NewUnwinder(img.Mem, img.Layout)
			frames, err := u.Unwind(tstate1)
			require.NoError(t, err)
			require.Equal(t, []profile.RawFrame{
				{CodeAddr: codeA, LastI: 10},
				{CodeAddr: codeB, LastI: 20},
				{CodeAddr: codeA, LastI: 30},
			}, frames)
		})
	}
}

func TestUnwindNoCurrentFrame(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.9.2"))
	img.PutThreadState(tstate1, 0, 0)

	u := NewUnwinder(img.Mem, img.Layout)
	frames, err := u.Unwind(tstate1)
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestUnwindCycleDetected(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.8.10"))
	img.PutThreadState(tstate1, 0, frameA)
	img.PutFrame(frameA, frameB, codeA, 1)
	img.PutFrame(frameB, frameA, codeB, 2) // back edge

	u := NewUnwinder(img.Mem, img.Layout)
	frames, err := u.Unwind(tstate1)

	var uerr *UnwindError
	require.ErrorAs(t, err, &uerr)
	require.ErrorIs(t, err, ErrCycle)
	require.Equal(t, tstate1, uerr.ThreadState)
	// The frames walked before the cycle are preserved.
	require.Len(t, frames, 2)
}

func TestUnwindDepthBound(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.8.10"))

	// A chain of distinct frames longer than the bound.
	base := uint64(0x10000)
	for i := 0; i < maxDepth+8; i++ {
		addr := base + uint64(i)*0x100
		back := addr + 0x100
		img.PutFrame(addr, back, codeA, int32(i))
	}
	img.PutThreadState(tstate1, 0, base)

	u := NewUnwinder(img.Mem, img.Layout)
	frames, err := u.Unwind(tstate1)
	require.ErrorIs(t, err, ErrTooDeep)
	require.Len(t, frames, maxDepth)
}

func TestUnwindUnreadableFrameKeepsPrefix(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.10.4"))
	img.PutThreadState(tstate1, 0, frameA)
	img.PutFrame(frameA, frameB, codeA, 10)
	// frameB never written: the chain walks into an unmapped range.

	u := NewUnwinder(img.Mem, img.Layout)
	frames, err := u.Unwind(tstate1)
	require.Error(t, err)
	require.Equal(t, []profile.RawFrame{{CodeAddr: codeA, LastI: 10}}, frames)
}

func TestThreadStates(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.9.2"))
	img.Mem.PutUint64(interpHead, interpAddr)
	img.PutInterpreterState(interpAddr, 0, tstate1)
	img.PutThreadState(tstate1, tstate2, frameA)
	img.PutThreadState(tstate2, 0, 0)

	u := NewUnwinder(img.Mem, img.Layout)
	tstates, err := u.ThreadStates(interpHead)
	require.NoError(t, err)
	require.Equal(t, []uint64{tstate1, tstate2}, tstates)
}

func TestThreadStatesEmptyInterpreterList(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.9.2"))
	img.Mem.PutUint64(interpHead, 0)

	u := NewUnwinder(img.Mem, img.Layout)
	tstates, err := u.ThreadStates(interpHead)
	require.NoError(t, err)
	require.Empty(t, tstates)
}

func TestThreadStatesCycle(t *testing.T) {
	img := testutil.NewPythonImage(layout(t, "3.9.2"))
	img.Mem.PutUint64(interpHead, interpAddr)
	img.PutInterpreterState(interpAddr, 0, tstate1)
	img.PutThreadState(tstate1, tstate2, 0)
	img.PutThreadState(tstate2, tstate1, 0) // back edge

	u := NewUnwinder(img.Mem, img.Layout)
	tstates, err := u.ThreadStates(interpHead)
	require.ErrorIs(t, err, ErrCycle)
	// Both states were collected before the cycle was noticed.
	require.Equal(t, []uint64{tstate1, tstate2}, tstates)
}
