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

package pyruntime

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Layout is the structure-offset table for one CPython minor version on
// x86-64. Every field offset is in bytes from the start of the owning
// struct. The set of supported versions is closed: unwinding logic never
// branches on version, it only consumes the table selected at attach time.
type Layout struct {
	ThreadState      ThreadStateLayout
	InterpreterState InterpreterStateLayout
	Frame            FrameLayout
	Code             CodeLayout
	Str              StringLayout
}

// ThreadStateLayout describes PyThreadState.
type ThreadStateLayout struct {
	Next  uint64 // struct _ts *next
	Frame uint64 // PyFrameObject *frame
}

// InterpreterStateLayout describes PyInterpreterState.
type InterpreterStateLayout struct {
	Next       uint64 // struct _is *next
	TStateHead uint64 // PyThreadState *tstate_head
}

// FrameLayout describes PyFrameObject.
type FrameLayout struct {
	Back  uint64 // struct _frame *f_back
	Code  uint64 // PyCodeObject *f_code
	LastI uint64 // int f_lasti
}

// CodeLayout describes PyCodeObject.
type CodeLayout struct {
	Filename    uint64 // PyObject *co_filename
	Name        uint64 // PyObject *co_name
	FirstLineNo uint64 // int co_firstlineno
}

// StringKind selects the foreign string representation.
type StringKind int

const (
	// StringBytes is Python 2's PyStringObject: byte payload inline.
	StringBytes StringKind = iota
	// StringUnicode is Python 3.3+ PyUnicodeObject in its compact forms.
	StringUnicode
)

// StringLayout describes the string object carrying co_filename/co_name.
type StringLayout struct {
	Kind StringKind
	Size uint64 // ob_size (2.x) or PyASCIIObject.length (3.x)
	Data uint64 // ob_sval (2.x only)

	// 3.x compact unicode. State is the PyASCIIObject.state bitfield byte;
	// payload begins at AsciiData for compact ASCII and CompactData for
	// compact non-ASCII strings.
	State       uint64
	AsciiData   uint64
	CompactData uint64
}

var (
	py2StrLayout = StringLayout{Kind: StringBytes, Size: 16, Data: 36}
	py3StrLayout = StringLayout{Kind: StringUnicode, Size: 16, State: 32, AsciiData: 48, CompactData: 72}

	layouts = map[string]Layout{
		"2.7": {
			ThreadState:      ThreadStateLayout{Next: 0, Frame: 16},
			InterpreterState: InterpreterStateLayout{Next: 0, TStateHead: 8},
			Frame:            FrameLayout{Back: 24, Code: 32, LastI: 120},
			Code:             CodeLayout{Filename: 80, Name: 88, FirstLineNo: 96},
			Str:              py2StrLayout,
		},
		"3.6": {
			ThreadState:      ThreadStateLayout{Next: 8, Frame: 24},
			InterpreterState: InterpreterStateLayout{Next: 0, TStateHead: 8},
			Frame:            FrameLayout{Back: 24, Code: 32, LastI: 120},
			Code:             CodeLayout{Filename: 96, Name: 104, FirstLineNo: 36},
			Str:              py3StrLayout,
		},
		"3.7": {
			ThreadState:      ThreadStateLayout{Next: 8, Frame: 24},
			InterpreterState: InterpreterStateLayout{Next: 0, TStateHead: 8},
			Frame:            FrameLayout{Back: 24, Code: 32, LastI: 104},
			Code:             CodeLayout{Filename: 96, Name: 104, FirstLineNo: 36},
			Str:              py3StrLayout,
		},
		"3.8": {
			ThreadState:      ThreadStateLayout{Next: 8, Frame: 24},
			InterpreterState: InterpreterStateLayout{Next: 0, TStateHead: 8},
			Frame:            FrameLayout{Back: 24, Code: 32, LastI: 104},
			Code:             CodeLayout{Filename: 104, Name: 112, FirstLineNo: 40},
			Str:              py3StrLayout,
		},
		"3.9": {
			ThreadState:      ThreadStateLayout{Next: 8, Frame: 24},
			InterpreterState: InterpreterStateLayout{Next: 0, TStateHead: 8},
			Frame:            FrameLayout{Back: 24, Code: 32, LastI: 104},
			Code:             CodeLayout{Filename: 104, Name: 112, FirstLineNo: 40},
			Str:              py3StrLayout,
		},
		"3.10": {
			ThreadState:      ThreadStateLayout{Next: 8, Frame: 24},
			InterpreterState: InterpreterStateLayout{Next: 0, TStateHead: 8},
			Frame:            FrameLayout{Back: 24, Code: 32, LastI: 96},
			Code:             CodeLayout{Filename: 104, Name: 112, FirstLineNo: 40},
			Str:              py3StrLayout,
		},
	}
)

// UnsupportedVersionError is a fatal attach-time error: the probed runtime
// version is outside the closed layout set.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported Python version: %s", e.Version)
}

// LayoutForVersion selects the offset table for the given interpreter
// version. 3.11 moved live frames into _PyInterpreterFrame and is outside
// the supported set.
func LayoutForVersion(v *semver.Version) (Layout, error) {
	key := fmt.Sprintf("%d.%d", v.Major(), v.Minor())
	l, ok := layouts[key]
	if !ok {
		return Layout{}, &UnsupportedVersionError{Version: v.String()}
	}
	return l, nil
}

// hasRuntimeState reports whether the version keeps its interpreter list and
// GIL bookkeeping inside the _PyRuntime struct (3.7+) rather than in the
// standalone interp_head / _PyThreadState_Current globals.
func hasRuntimeState(v *semver.Version) bool {
	return v.Major() == 3 && v.Minor() >= 7
}

// interpHeadOffset is the offset of pyruntime.interpreters.head within
// _PyRuntime.
func interpHeadOffset(v *semver.Version) (uint64, error) {
	switch {
	case v.Major() == 3 && v.Minor() == 7:
		return 24, nil
	case v.Major() == 3 && v.Minor() >= 8 && v.Minor() <= 10:
		return 32, nil
	default:
		return 0, &UnsupportedVersionError{Version: v.String()}
	}
}

// tstateCurrentOffset is the offset of gilstate.tstate_current within
// _PyRuntime. The 3.7 series changed the struct mid-series.
func tstateCurrentOffset(v *semver.Version) (uint64, error) {
	switch {
	case v.Major() == 3 && v.Minor() == 7 && v.Patch() < 4:
		return 1392, nil
	case v.Major() == 3 && v.Minor() == 7:
		return 1480, nil
	case v.Major() == 3 && v.Minor() == 8:
		return 1368, nil
	case v.Major() == 3 && (v.Minor() == 9 || v.Minor() == 10):
		return 568, nil
	default:
		return 0, &UnsupportedVersionError{Version: v.String()}
	}
}
