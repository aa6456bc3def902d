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

package memory

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VirtualMemory reads a process's address space with process_vm_readv,
// falling back to /proc/<pid>/mem where the syscall is unavailable or
// forbidden. Reads work whether or not the target is stopped.
type VirtualMemory struct {
	pid int
}

func NewVirtualMemory(pid int) *VirtualMemory {
	return &VirtualMemory{pid: pid}
}

func (vm *VirtualMemory) ReadAt(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	localIOV := unix.Iovec{
		Base: &buf[0],
		Len:  uint64(len(buf)),
	}
	remoteIOV := unix.RemoteIovec{
		Base: uintptr(addr),
		Len:  len(buf),
	}

	n, _, errno := syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(vm.pid),
		uintptr(unsafe.Pointer(&localIOV)), uintptr(1),
		uintptr(unsafe.Pointer(&remoteIOV)), uintptr(1),
		uintptr(0))

	if n == ^uintptr(0) { // -1 in unsigned representation
		//nolint:exhaustive
		switch errno {
		case syscall.ENOSYS, syscall.EPERM:
			return vm.readProcMem(addr, buf)
		default:
			return &ReadError{Addr: addr, Len: len(buf), Err: errno}
		}
	}
	if int(n) != len(buf) {
		return &ReadError{Addr: addr, Len: len(buf), Err: fmt.Errorf("partial read: %d of %d bytes", n, len(buf))}
	}
	return nil
}

func (vm *VirtualMemory) readProcMem(addr uint64, buf []byte) error {
	procMem, err := os.Open(fmt.Sprintf("/proc/%d/mem", vm.pid))
	if err != nil {
		return &ReadError{Addr: addr, Len: len(buf), Err: err}
	}
	defer procMem.Close()

	if _, err := procMem.ReadAt(buf, int64(addr)); err != nil {
		return &ReadError{Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}
