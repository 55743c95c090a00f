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

// Package shmregion provides the typed handle over a memory-mapped file
// that the rest of the datastore core builds on: open-or-create, grow by
// remapping, and release. It knows nothing about what lives inside the
// mapping — that is the job of internal/arena and internal/registry.
package shmregion

import (
	"fmt"
	"os"

	"github.com/DineshReddyK/sysrepo/internal/srerr"
)

// Region is a named memory-mapped file shared across processes.
type Region struct {
	Name string
	Path string
	Perm os.FileMode

	file *os.File
	mem  []byte
	size uint64
}

// Mem returns the current mapping. It is invalidated by the next Remap —
// callers must not retain it across a Remap call.
func (r *Region) Mem() []byte { return r.mem }

// Size returns the current mapped size in bytes.
func (r *Region) Size() uint64 { return r.size }

// Open opens the named region file at path, creating it with the given
// initial size and permissions if it does not exist and createIfMissing is
// set. The second return value reports whether this call created the file,
// so the caller can perform one-time header initialization.
func Open(path string, perm os.FileMode, initialSize uint64, createIfMissing bool) (*Region, bool, error) {
	flags := os.O_RDWR
	created := false

	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if !os.IsNotExist(err) || !createIfMissing {
			return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, perm)
		if err != nil {
			if os.IsExist(err) {
				// Lost a creation race; fall back to a plain open.
				file, err = os.OpenFile(path, flags, 0)
				if err != nil {
					return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
				}
			} else {
				return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
			}
		} else {
			created = true
			if err := file.Truncate(int64(initialSize)); err != nil {
				file.Close()
				os.Remove(path)
				return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
			}
		}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
	}
	size := uint64(info.Size())
	if size == 0 {
		size = initialSize
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
		}
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, false, srerr.Wrap(srerr.Sys, "shmregion.Open", err)
	}

	return &Region{
		Name: path,
		Path: path,
		Perm: perm,
		file: file,
		mem:  mem,
		size: size,
	}, created, nil
}

// Remap truncates the backing file to newSize (a no-op if newSize <=
// current size) and replaces the mapping. Every pointer or slice any
// caller derived from the previous Mem() is invalid the instant Remap
// returns — callers must re-derive base pointers from the new Mem().
func (r *Region) Remap(newSize uint64) error {
	if newSize <= r.size {
		return nil
	}
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return srerr.Wrap(srerr.Sys, "shmregion.Remap", fmt.Errorf("truncate: %w", err))
	}
	if r.mem != nil {
		if err := unmapMemory(r.mem); err != nil {
			return srerr.Wrap(srerr.Sys, "shmregion.Remap", fmt.Errorf("munmap: %w", err))
		}
	}
	mem, err := mmapFile(r.file, int(newSize))
	if err != nil {
		return srerr.Wrap(srerr.Sys, "shmregion.Remap", fmt.Errorf("mmap: %w", err))
	}
	r.mem = mem
	r.size = newSize
	return nil
}

// Replace truncates the backing file to exactly newSize (unlike Remap,
// this can shrink) and replaces the mapping. Used only by
// internal/registry's defragmentation swap-in, where the arena's
// logical size must shrink to match the freshly rewritten live data.
func (r *Region) Replace(newSize uint64) error {
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return srerr.Wrap(srerr.Sys, "shmregion.Replace", fmt.Errorf("truncate: %w", err))
	}
	if r.mem != nil {
		if err := unmapMemory(r.mem); err != nil {
			return srerr.Wrap(srerr.Sys, "shmregion.Replace", fmt.Errorf("munmap: %w", err))
		}
	}
	mem, err := mmapFile(r.file, int(newSize))
	if err != nil {
		return srerr.Wrap(srerr.Sys, "shmregion.Replace", fmt.Errorf("mmap: %w", err))
	}
	r.mem = mem
	r.size = newSize
	return nil
}

// Clear releases the mapping and closes the descriptor. The Region must
// not be used afterward.
func (r *Region) Clear() error {
	var firstErr error
	if r.mem != nil {
		if err := unmapMemory(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.mem = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	if firstErr != nil {
		return srerr.Wrap(srerr.Sys, "shmregion.Clear", firstErr)
	}
	return nil
}

// Remove unlinks the backing file. Only the process that created the
// region should call this, and only after every attached process has
// called Clear.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return srerr.Wrap(srerr.Sys, "shmregion.Remove", err)
	}
	return nil
}
