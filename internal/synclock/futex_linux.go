//go:build linux && (amd64 || arm64)

/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package synclock

import (
	"sync/atomic"
	"syscall"
	"unsafe"
)

const (
	futexWaitPrivate = 128 // FUTEX_WAIT | FUTEX_PRIVATE_FLAG
	futexWakePrivate = 129 // FUTEX_WAKE | FUTEX_PRIVATE_FLAG
)

// futexWaitTimeout waits on addr until its value changes from val or
// timeoutNs elapses. It uses FUTEX_PRIVATE_FLAG, so only a futexWake from
// the same process wakes it early; a waiter in another process sharing
// the mapping returns when its timeout elapses and re-checks the value.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts *syscall.Timespec
	if timeoutNs > 0 {
		t := syscall.NsecToTimespec(timeoutNs)
		ts = &t
	}

	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitPrivate,
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	if errno != 0 && errno != syscall.EAGAIN && errno != syscall.EINTR {
		if errno == syscall.ETIMEDOUT {
			return errFutexTimeout
		}
		return errno
	}
	return nil
}

func futexWake(addr *uint32, n int) {
	syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakePrivate,
		uintptr(n),
		0, 0, 0,
	)
}
