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

package testutil

import "github.com/pyscope-dev/pyscope/pkg/pyruntime"

// PythonImage lays CPython structures into a FakeMemory according to a
// layout table, so tests can assemble a believable interpreter snapshot.
type PythonImage struct {
	Mem    *FakeMemory
	Layout pyruntime.Layout
}

func NewPythonImage(layout pyruntime.Layout) *PythonImage {
	return &PythonImage{Mem: NewFakeMemory(), Layout: layout}
}

// PutInterpreterState writes a PyInterpreterState with the given next and
// tstate_head pointers.
func (img *PythonImage) PutInterpreterState(addr, next, tstateHead uint64) {
	img.Mem.PutUint64(addr+img.Layout.InterpreterState.Next, next)
	img.Mem.PutUint64(addr+img.Layout.InterpreterState.TStateHead, tstateHead)
}

// PutThreadState writes a PyThreadState with the given next and frame
// pointers.
func (img *PythonImage) PutThreadState(addr, next, frame uint64) {
	img.Mem.PutUint64(addr+img.Layout.ThreadState.Next, next)
	img.Mem.PutUint64(addr+img.Layout.ThreadState.Frame, frame)
}

// PutFrame writes a PyFrameObject with the given back, code and f_lasti
// values.
func (img *PythonImage) PutFrame(addr, back, code uint64, lasti int32) {
	img.Mem.PutUint64(addr+img.Layout.Frame.Back, back)
	img.Mem.PutUint64(addr+img.Layout.Frame.Code, code)
	img.Mem.PutInt32(addr+img.Layout.Frame.LastI, lasti)
}

// PutCode writes a PyCodeObject referencing filename and name string
// objects.
func (img *PythonImage) PutCode(addr, filename, name uint64, firstLineNo int32) {
	img.Mem.PutUint64(addr+img.Layout.Code.Filename, filename)
	img.Mem.PutUint64(addr+img.Layout.Code.Name, name)
	img.Mem.PutInt32(addr+img.Layout.Code.FirstLineNo, firstLineNo)
}

// PutString writes a string object holding s, in whichever representation
// the layout selects: PyStringObject for 2.x, compact ASCII unicode for 3.x.
func (img *PythonImage) PutString(addr uint64, s string) {
	switch img.Layout.Str.Kind {
	case pyruntime.StringBytes:
		img.Mem.PutUint64(addr+img.Layout.Str.Size, uint64(len(s)))
		img.Mem.PutBytes(addr+img.Layout.Str.Data, []byte(s))
	case pyruntime.StringUnicode:
		img.Mem.PutUint64(addr+img.Layout.Str.Size, uint64(len(s)))
		// state: kind=1, compact=1, ascii=1, ready=1 -> 0xe4.
		img.Mem.PutBytes(addr+img.Layout.Str.State, []byte{0xe4, 0, 0, 0})
		img.Mem.PutBytes(addr+img.Layout.Str.AsciiData, []byte(s))
	}
}
