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

// Package symbol turns raw code-object addresses into source locations by
// reading the code object's embedded filename and function-name string
// objects out of the target. Results are cached per attachment: code
// objects can be garbage collected and their addresses reused, so the cache
// never outlives the debug session.
package symbol

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pyscope-dev/pyscope/pkg/cache"
	"github.com/pyscope-dev/pyscope/pkg/memory"
	"github.com/pyscope-dev/pyscope/pkg/profile"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
)

const (
	// cacheSize bounds the per-attachment symbol cache. Even large
	// applications rarely execute this many distinct code objects.
	cacheSize = 16384

	// maxStringLength caps foreign string reads. A filename or function
	// name longer than this is corrupt memory, not data.
	maxStringLength = 512
)

var errBadString = errors.New("unreadable or implausible string object")

// Resolver resolves code-object addresses for one attachment.
type Resolver struct {
	mem    memory.Reader
	layout pyruntime.Layout

	cache *cache.LRUCache[uint64, profile.SymbolInfo]
}

func NewResolver(reg prometheus.Registerer, mem memory.Reader, layout pyruntime.Layout) *Resolver {
	return &Resolver{
		mem:    mem,
		layout: layout,
		cache:  cache.NewLRUCache[uint64, profile.SymbolInfo](reg, "symbols", cacheSize),
	}
}

// Resolve maps a code-object address to its source location. Failures
// (e.g. the code object was deallocated between unwind and resolve) yield
// the Unresolved sentinel rather than an error: partial information beats
// dropping the whole stack. Sentinels are never cached, so an address that
// becomes readable again resolves normally on a later sample.
func (r *Resolver) Resolve(codeAddr uint64) profile.SymbolInfo {
	if codeAddr == 0 {
		return profile.Unresolved
	}
	if info, ok := r.cache.Get(codeAddr); ok {
		return info
	}

	info, err := r.resolve(codeAddr)
	if err != nil {
		return profile.Unresolved
	}
	r.cache.Add(codeAddr, info)
	return info
}

// Purge empties the cache. Called on detach; addresses have no meaning
// across attachments.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

func (r *Resolver) resolve(codeAddr uint64) (profile.SymbolInfo, error) {
	filenameAddr, err := memory.Uint64(r.mem, codeAddr+r.layout.Code.Filename)
	if err != nil {
		return profile.SymbolInfo{}, fmt.Errorf("read co_filename pointer: %w", err)
	}
	nameAddr, err := memory.Uint64(r.mem, codeAddr+r.layout.Code.Name)
	if err != nil {
		return profile.SymbolInfo{}, fmt.Errorf("read co_name pointer: %w", err)
	}
	firstLine, err := memory.Int32(r.mem, codeAddr+r.layout.Code.FirstLineNo)
	if err != nil {
		return profile.SymbolInfo{}, fmt.Errorf("read co_firstlineno: %w", err)
	}

	file, err := r.readString(filenameAddr)
	if err != nil {
		return profile.SymbolInfo{}, fmt.Errorf("decode co_filename: %w", err)
	}
	name, err := r.readString(nameAddr)
	if err != nil {
		return profile.SymbolInfo{}, fmt.Errorf("decode co_name: %w", err)
	}

	return profile.SymbolInfo{File: file, Name: name, Line: int(firstLine)}, nil
}

// readString decodes a foreign Python string object: PyStringObject for
// 2.x, compact ASCII or compact latin-1 unicode for 3.x. Anything else
// (legacy non-compact unicode, wide kinds) is treated as unresolvable.
func (r *Resolver) readString(addr uint64) (string, error) {
	if addr == 0 {
		return "", errBadString
	}

	length, err := memory.Uint64(r.mem, addr+r.layout.Str.Size)
	if err != nil {
		return "", err
	}
	if length > maxStringLength {
		return "", errBadString
	}
	if length == 0 {
		return "", nil
	}

	switch r.layout.Str.Kind {
	case pyruntime.StringBytes:
		data, err := memory.Bytes(r.mem, addr+r.layout.Str.Data, int(length))
		if err != nil {
			return "", err
		}
		return string(data), nil

	case pyruntime.StringUnicode:
		state, err := memory.Bytes(r.mem, addr+r.layout.Str.State, 1)
		if err != nil {
			return "", err
		}
		const (
			compactBit = 1 << 5
			asciiBit   = 1 << 6
		)
		kind := (state[0] >> 2) & 0x7
		if state[0]&compactBit == 0 {
			return "", errBadString
		}
		if state[0]&asciiBit != 0 {
			data, err := memory.Bytes(r.mem, addr+r.layout.Str.AsciiData, int(length))
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
		if kind != 1 {
			return "", errBadString
		}
		data, err := memory.Bytes(r.mem, addr+r.layout.Str.CompactData, int(length))
		if err != nil {
			return "", err
		}
		// Latin-1: one byte per code point.
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		return string(runes), nil

	default:
		return "", errBadString
	}
}
