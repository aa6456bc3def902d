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

// Package pyruntime probes a running CPython process: is it an interpreter
// at all, which version is it, where do its interpreter-state and
// thread-state anchors live, and which structure-offset table applies.
// All of this is decided once, at attach time.
package pyruntime

import (
	"debug/elf"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Symbols whose presence identifies a CPython executable:
//
//	2.7 - 3.6: `Py_Main`
//	3.7:       `_Py_UnixMain`
//	3.8+:      `Py_BytesMain`
var pythonExecutableIdentifyingSymbols = [][]byte{
	[]byte("Py_Main"),
	[]byte("_Py_UnixMain"),
	[]byte("Py_BytesMain"),
}

const (
	pythonRuntimeSymbol     = "_PyRuntime"
	pythonThreadStateSymbol = "_PyThreadState_Current"
	pythonInterpreterSymbol = "interp_head"
)

var pythonLibraryIdentifyingSymbols = [][]byte{
	[]byte(pythonRuntimeSymbol),
	[]byte(pythonThreadStateSymbol),
}

var libRegex = regexp.MustCompile(`/libpython\d.\d\d?(m|d|u)?.so`)

func isPythonLib(pathname string) bool {
	return libRegex.MatchString(pathname)
}

func isPythonBin(pathname string) bool {
	return strings.Contains(path.Base(pathname), "python")
}

// IsPython reports whether the process is a CPython interpreter, checking
// the executable's pathname first since it is the cheapest test, then the
// memory mappings for a linked libpython.
func IsPython(proc procfs.Proc) (bool, error) {
	exe, err := proc.Executable()
	if err != nil {
		return false, err
	}

	if isPythonBin(exe) {
		ef, err := elf.Open(absolutePath(proc, exe))
		if err != nil {
			return false, fmt.Errorf("open elf file: %w", err)
		}
		defer ef.Close()

		return hasSymbols(ef, pythonExecutableIdentifyingSymbols)
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return false, fmt.Errorf("reading process maps: %w", err)
	}
	for _, mapping := range maps {
		if isPythonLib(mapping.Pathname) {
			ef, err := elf.Open(absolutePath(proc, mapping.Pathname))
			if err != nil {
				return false, fmt.Errorf("open elf file: %w", err)
			}
			defer ef.Close()

			return hasSymbols(ef, pythonLibraryIdentifyingSymbols)
		}
	}

	return false, nil
}

// absolutePath resolves a target path through the target's own root, which
// may differ from ours when the target lives in a mount namespace.
func absolutePath(proc procfs.Proc, p string) string {
	return path.Join("/proc/", strconv.Itoa(proc.PID), "/root/", p)
}
