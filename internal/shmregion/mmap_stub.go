//go:build !linux && !darwin

package shmregion

import (
	"errors"
	"os"
)

var errUnsupportedPlatform = errors.New("shmregion: mmap not supported on this platform")

func mmapFile(file *os.File, size int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func unmapMemory(data []byte) error {
	return errUnsupportedPlatform
}
