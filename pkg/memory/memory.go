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

// Package memory reads byte ranges out of a foreign process's address
// space. It is the substrate every higher layer of the profiler depends on;
// the target's memory is never written to.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Reader reads len(buf) bytes at addr in the target's address space. A
// failed read reports a *ReadError and must abort only the current frame or
// sample, never the whole session.
type Reader interface {
	ReadAt(addr uint64, buf []byte) error
}

// ReadError reports an unreadable range, typically an unmapped or protected
// address.
type ReadError struct {
	Addr uint64
	Len  int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %d bytes at 0x%016x: %v", e.Len, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsReadError reports whether err originated from an unreadable range.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// Uint64 reads a little-endian word, the representation of a pointer on
// every architecture this profiler supports.
func Uint64(r Reader, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Uint32 reads a little-endian 32-bit value.
func Uint32(r Reader, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Int32 reads a little-endian 32-bit signed value, the representation of a
// C int in the target.
func Int32(r Reader, addr uint64) (int32, error) {
	v, err := Uint32(r, addr)
	return int32(v), err
}

// Bytes reads n bytes at addr.
func Bytes(r Reader, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := r.ReadAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
