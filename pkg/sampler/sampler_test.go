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

package sampler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pyscope-dev/pyscope/pkg/flamegraph"
	"github.com/pyscope-dev/pyscope/pkg/ptrace"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
	"github.com/pyscope-dev/pyscope/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTarget struct {
	pauses    int
	resumes   int
	exitAfter int // target is gone after this many pauses; 0 = alive forever
}

func (t *fakeTarget) PauseAll() error {
	if t.exitAfter > 0 && t.pauses >= t.exitAfter {
		return ptrace.ErrTargetExited
	}
	t.pauses++
	return nil
}

func (t *fakeTarget) ResumeAll() error {
	t.resumes++
	return nil
}

const (
	anchorInterpHead = uint64(0x100)
	anchorTState     = uint64(0x108)
	interpAddr       = uint64(0x2000)
	tstateAddr       = uint64(0x3000)
)

// busyImage builds a snapshot of one thread running work() called from
// main(), both in ./app.py.
func busyImage(t *testing.T) (*testutil.PythonImage, *pyruntime.Interpreter) {
	t.Helper()
	version := semver.MustParse("3.10.0")
	layout, err := pyruntime.LayoutForVersion(version)
	require.NoError(t, err)

	img := testutil.NewPythonImage(layout)
	img.Mem.PutUint64(anchorInterpHead, interpAddr)
	img.Mem.PutUint64(anchorTState, tstateAddr)
	img.PutInterpreterState(interpAddr, 0, tstateAddr)
	img.PutThreadState(tstateAddr, 0, 0x4000)

	img.PutFrame(0x4000, 0x4100, 0x5000, 0) // work(), innermost
	img.PutFrame(0x4100, 0, 0x5100, 0)      // main()
	img.PutCode(0x5000, 0x6000, 0x6100, 7)
	img.PutCode(0x5100, 0x6000, 0x6200, 3)
	img.PutString(0x6000, "./app.py")
	img.PutString(0x6100, "work")
	img.PutString(0x6200, "main")

	interp := &pyruntime.Interpreter{
		Version: version,
		Layout:  layout,
		Anchors: pyruntime.Anchors{
			InterpHead:         anchorInterpHead,
			ThreadStateCurrent: anchorTState,
		},
	}
	return img, interp
}

func newSampler(t *testing.T, img *testutil.PythonImage, interp *pyruntime.Interpreter, target Target, rec flamegraph.Recorder, cfg Config) *Sampler {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Microsecond
	}
	return New(log.NewNopLogger(), prometheus.NewRegistry(), target, img.Mem, interp, rec, cfg)
}

func TestRunMaxSamples(t *testing.T) {
	img, interp := busyImage(t)
	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	s := newSampler(t, img, interp, target, rec, Config{MaxSamples: 3})
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, "./app.py:main:3;./app.py:work:7; 3\n", buf.String())
	require.Equal(t, 3, target.pauses)
	require.Equal(t, target.pauses, target.resumes)
}

func TestRunTargetExit(t *testing.T) {
	img, interp := busyImage(t)
	target := &fakeTarget{exitAfter: 2}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	s := newSampler(t, img, interp, target, rec, Config{})
	require.NoError(t, s.Run(context.Background()))

	// Samples captured before the target died are still flushed.
	require.Equal(t, "./app.py:main:3;./app.py:work:7; 2\n", buf.String())
	require.Equal(t, target.pauses, target.resumes)
}

func TestRunIdle(t *testing.T) {
	img, interp := busyImage(t)
	img.Mem.PutUint64(anchorTState, 0) // nobody holds the interpreter

	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	s := newSampler(t, img, interp, target, rec, Config{MaxSamples: 2})
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, "(idle) 2\n", buf.String())
}

func TestRunIdleWhenNoThreadHasFrames(t *testing.T) {
	img, interp := busyImage(t)
	img.PutThreadState(tstateAddr, 0, 0) // alive thread, no Python frame

	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	s := newSampler(t, img, interp, target, rec, Config{MaxSamples: 1})
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, "(idle) 1\n", buf.String())
}

func TestRunKeepsTruncatedThreadStack(t *testing.T) {
	img, interp := busyImage(t)

	// Second thread whose frame chain loops back on itself: the walk
	// stops after the first frame and the prefix is kept, it is not
	// demoted to idle.
	tstate2 := uint64(0x3200)
	img.PutThreadState(tstateAddr, tstate2, 0x4000)
	img.PutThreadState(tstate2, 0, 0x7000)
	img.PutFrame(0x7000, 0x7000, 0x5000, 0)

	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	s := newSampler(t, img, interp, target, rec, Config{MaxSamples: 2})
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t,
		"./app.py:main:3;./app.py:work:7; 2\n./app.py:work:7; 2\n",
		buf.String())
}

func TestRunContextCancelled(t *testing.T) {
	img, interp := busyImage(t)
	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newSampler(t, img, interp, target, rec, Config{})
	require.NoError(t, s.Run(ctx))

	// One capture happens before the cancellation check at the sleep
	// boundary.
	require.Equal(t, "./app.py:main:3;./app.py:work:7; 1\n", buf.String())
	require.Equal(t, 1, target.pauses)
	require.Equal(t, 1, target.resumes)
}

func TestRunResumesAfterFailedCapture(t *testing.T) {
	img, interp := busyImage(t)
	img.Mem.Drop(anchorTState, 8) // anchor unreadable, capture fails

	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewCollapsed(&buf, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newSampler(t, img, interp, target, rec, Config{})
	require.NoError(t, s.Run(ctx))

	require.Empty(t, buf.String())
	require.Equal(t, 1, target.pauses)
	require.Equal(t, 1, target.resumes, "target must be resumed even when the capture fails")
}

func TestRunTimestamped(t *testing.T) {
	img, interp := busyImage(t)
	target := &fakeTarget{}
	var buf strings.Builder
	rec := flamegraph.NewTimestamped(&buf, false)

	s := newSampler(t, img, interp, target, rec, Config{MaxSamples: 2})
	require.NoError(t, s.Run(context.Background()))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "./app.py:main:3;./app.py:work:7;", lines[1])
	require.Equal(t, "./app.py:main:3;./app.py:work:7;", lines[3])
	require.LessOrEqual(t, lines[0], lines[2]) // same width, non-decreasing
}
