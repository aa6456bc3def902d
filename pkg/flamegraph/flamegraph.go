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

// Package flamegraph renders sampled stacks in the collapsed-stack text
// format flame-graph tools consume: one line per distinct stack, frames
// outermost-first joined by ";", followed by the sample count. The
// timestamped variant preserves per-sample temporal ordering instead of
// collapsing repeats.
package flamegraph

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pyscope-dev/pyscope/pkg/profile"
)

// IdleMarker labels samples during which no thread held the interpreter's
// execution token.
const IdleMarker = "(idle)"

// Recorder consumes samples as the sampler captures them. Flush is called
// exactly once, when the session drains.
type Recorder interface {
	Record(s profile.Sample) error
	Flush() error
}

// renderStack renders one trace outermost-first, every frame followed by
// the ";" delimiter.
func renderStack(frames []profile.SymbolInfo) string {
	var b strings.Builder
	for i := len(frames) - 1; i >= 0; i-- {
		b.WriteString(frames[i].Label())
		b.WriteByte(';')
	}
	return b.String()
}

// Collapsed aggregates identical stacks into counts and emits everything at
// Flush.
type Collapsed struct {
	w           io.Writer
	excludeIdle bool

	idle    uint64
	buckets map[string]uint64
}

func NewCollapsed(w io.Writer, excludeIdle bool) *Collapsed {
	return &Collapsed{
		w:           w,
		excludeIdle: excludeIdle,
		buckets:     map[string]uint64{},
	}
}

func (c *Collapsed) Record(s profile.Sample) error {
	if s.Idle {
		if !c.excludeIdle {
			c.idle++
		}
		return nil
	}
	for _, trace := range s.Traces {
		if len(trace.Frames) == 0 {
			continue
		}
		c.buckets[renderStack(trace.Frames)]++
	}
	return nil
}

// Flush writes the idle line first, then the distinct stacks in sorted
// order for deterministic output. Every line is newline-terminated, so the
// output always ends with a trailing newline.
func (c *Collapsed) Flush() error {
	if c.idle > 0 {
		if _, err := fmt.Fprintf(c.w, "%s %d\n", IdleMarker, c.idle); err != nil {
			return err
		}
	}

	stacks := make([]string, 0, len(c.buckets))
	for stack := range c.buckets {
		stacks = append(stacks, stack)
	}
	sort.Strings(stacks)

	for _, stack := range stacks {
		if _, err := fmt.Fprintf(c.w, "%s %d\n", stack, c.buckets[stack]); err != nil {
			return err
		}
	}
	return nil
}

// Timestamped emits every sample immediately: a microseconds-since-epoch
// line, then one line per stack (or the idle marker). Timestamps are
// non-decreasing because samples arrive in capture order.
type Timestamped struct {
	w           io.Writer
	excludeIdle bool
}

func NewTimestamped(w io.Writer, excludeIdle bool) *Timestamped {
	return &Timestamped{w: w, excludeIdle: excludeIdle}
}

func (t *Timestamped) Record(s profile.Sample) error {
	if s.Idle && t.excludeIdle {
		return nil
	}
	if _, err := fmt.Fprintf(t.w, "%d\n", s.Timestamp.UnixMicro()); err != nil {
		return err
	}
	if s.Idle {
		_, err := fmt.Fprintf(t.w, "%s\n", IdleMarker)
		return err
	}
	for _, trace := range s.Traces {
		if len(trace.Frames) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(t.w, "%s\n", renderStack(trace.Frames)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Timestamped) Flush() error { return nil }
