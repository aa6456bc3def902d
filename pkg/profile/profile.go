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

package profile

import (
	"fmt"
	"time"
)

// RawFrame is one activation record as read out of the target's memory,
// before symbolization. CodeAddr is the address of the code object the frame
// executes, LastI the current instruction offset within it.
type RawFrame struct {
	CodeAddr uint64
	LastI    int32
}

// SymbolInfo is the resolved source location for a code object.
type SymbolInfo struct {
	File string
	Name string
	Line int
}

// Unresolved is the sentinel used when a code object cannot be read, e.g.
// because it was deallocated between unwinding and resolution. Partial
// information is preferable to dropping the whole stack.
var Unresolved = SymbolInfo{File: "?", Name: "<unknown>", Line: 0}

func (s SymbolInfo) Label() string {
	return fmt.Sprintf("%s:%s:%d", s.File, s.Name, s.Line)
}

// Trace is the resolved call stack of one interpreter thread at one sampling
// instant, innermost frame first.
type Trace struct {
	ThreadState uint64
	Frames      []SymbolInfo
}

// Sample is everything captured during one freeze cycle. Idle samples carry
// no traces: nothing in the target held the interpreter's execution token at
// that instant.
type Sample struct {
	Timestamp time.Time
	Idle      bool
	Traces    []Trace
}
