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
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xyproto/ainur"
)

// hasSymbols reports whether the ELF file's symbol or dynamic symbol string
// table contains any of the given names. The string tables are streamed
// rather than loaded whole; interpreter binaries can carry large symtabs.
func hasSymbols(ef *elf.File, matches [][]byte) (bool, error) {
	found, err := symbolNameInSection(ef, elf.SHT_SYMTAB, matches)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return false, fmt.Errorf("search symbols: %w", err)
	}
	if found {
		return true, nil
	}

	found, err = symbolNameInSection(ef, elf.SHT_DYNSYM, matches)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return false, fmt.Errorf("search dynamic symbols: %w", err)
	}
	return found, nil
}

func symbolNameInSection(ef *elf.File, t elf.SectionType, matches [][]byte) (bool, error) {
	symtabSection := ef.SectionByType(t)
	if symtabSection == nil {
		return false, elf.ErrNoSymbols
	}
	if symtabSection.Link <= 0 || symtabSection.Link >= uint32(len(ef.Sections)) {
		return false, errors.New("section has invalid string table link")
	}

	sr, err := ainur.NewStreamReader(ef.Sections[symtabSection.Link].Open(), 8192)
	if err != nil {
		return false, fmt.Errorf("create stream reader: %w", err)
	}

	for {
		b, err := sr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return false, fmt.Errorf("read next: %w", err)
		}

		for _, match := range matches {
			if bytes.Contains(b, match) {
				return true, nil
			}
		}
	}

	return false, nil
}

// findSymbol finds a symbol by exact name in the symbol table, falling back
// to the dynamic symbol table.
func findSymbol(ef *elf.File, name string) (*elf.Symbol, error) {
	syms, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read ELF symbols: %w", err)
	}
	for i := range syms {
		if syms[i].Name == name {
			return &syms[i], nil
		}
	}

	dynsyms, err := ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read ELF dynamic symbols: %w", err)
	}
	for i := range dynsyms {
		if dynsyms[i].Name == name {
			return &dynsyms[i], nil
		}
	}

	return nil, fmt.Errorf("symbol %q not found", name)
}

// findTextProgHeader finds the loadable program segment containing the .text
// section, or nil if there is none.
func findTextProgHeader(ef *elf.File) *elf.ProgHeader {
	for _, s := range ef.Sections {
		if s.Name != ".text" {
			continue
		}
		for _, p := range ef.Progs {
			if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 &&
				s.Addr >= p.Vaddr && s.Addr < p.Vaddr+p.Memsz {
				return &p.ProgHeader
			}
		}
	}
	return nil
}

// execFile is one executable mapping of the target: the interpreter binary
// itself or libpython. start is the address the mapping begins at in the
// target.
type execFile struct {
	path    string
	file    *os.File
	elfFile *elf.File

	start uint64

	symbols map[string]uint64
}

func openExecFile(path string, start uint64) (*execFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("new elf file: %w", err)
	}
	return &execFile{
		path:    path,
		file:    f,
		elfFile: ef,
		start:   start,
		symbols: make(map[string]uint64),
	}, nil
}

// bias is the load bias to add to a symbol's link-time value to obtain its
// address in the target. p_vaddr may exceed the map address when the header
// has an offset and the map address is small; default to zero then.
func (ef *execFile) bias() uint64 {
	header := findTextProgHeader(ef.elfFile)
	if header == nil {
		return ef.start
	}
	return saturatingSub(ef.start, header.Vaddr)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// addressOf resolves a symbol to its address in the target, memoized.
func (ef *execFile) addressOf(name string) (uint64, error) {
	if addr, ok := ef.symbols[name]; ok {
		return addr, nil
	}
	sym, err := findSymbol(ef.elfFile, name)
	if err != nil {
		return 0, err
	}
	addr := sym.Value + ef.bias()
	ef.symbols[name] = addr
	return addr, nil
}

func (ef *execFile) Close() error {
	return ef.file.Close()
}
