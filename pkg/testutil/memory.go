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

// Package testutil provides a fake target address space so that unwinding
// and symbolization can be tested without a live tracee.
package testutil

import (
	"encoding/binary"
	"errors"

	"github.com/pyscope-dev/pyscope/pkg/memory"
)

var errUnmapped = errors.New("address not mapped")

// FakeMemory is a sparse byte-addressable image implementing memory.Reader.
// Reads touching any byte never written fail with a *memory.ReadError, the
// same failure mode a live target produces for an unmapped range.
type FakeMemory struct {
	bytes map[uint64]byte
}

func NewFakeMemory() *FakeMemory {
	return &FakeMemory{bytes: map[uint64]byte{}}
}

func (m *FakeMemory) ReadAt(addr uint64, buf []byte) error {
	for i := range buf {
		b, ok := m.bytes[addr+uint64(i)]
		if !ok {
			return &memory.ReadError{Addr: addr, Len: len(buf), Err: errUnmapped}
		}
		buf[i] = b
	}
	return nil
}

func (m *FakeMemory) PutBytes(addr uint64, data []byte) {
	for i, b := range data {
		m.bytes[addr+uint64(i)] = b
	}
}

func (m *FakeMemory) PutUint64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.PutBytes(addr, buf[:])
}

func (m *FakeMemory) PutUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.PutBytes(addr, buf[:])
}

func (m *FakeMemory) PutInt32(addr uint64, v int32) {
	m.PutUint32(addr, uint32(v))
}

// Drop unmaps a range, simulating memory freed or protected mid-session.
func (m *FakeMemory) Drop(addr uint64, n int) {
	for i := 0; i < n; i++ {
		delete(m.bytes, addr+uint64(i))
	}
}
