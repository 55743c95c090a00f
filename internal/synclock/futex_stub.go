//go:build !linux || !(amd64 || arm64)

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
	"time"
)

// futexWaitTimeout falls back to short polling on platforms without a
// futex syscall. Correctness is identical; only wake latency differs.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	deadline := time.Now().Add(time.Duration(timeoutNs))
	hasDeadline := timeoutNs > 0
	for atomic.LoadUint32(addr) == val {
		if hasDeadline && time.Now().After(deadline) {
			return errFutexTimeout
		}
		time.Sleep(200 * time.Microsecond)
	}
	return nil
}

func futexWake(addr *uint32, n int) {
	// No-op: pollers re-check addr on their own cadence.
}
