package vfs

import (
	"sync"
)

// DefaultMaxFiles bounds an FDTable created with a non-positive limit.
const DefaultMaxFiles = 1024

// FDTable maps small non-negative integers to open files.
type FDTable struct {
	files []File
	max   int
	mu    sync.Mutex
}

// NewFDTable returns an empty table holding at most max descriptors.
func NewFDTable(max int) *FDTable {
	if max <= 0 {
		max = DefaultMaxFiles
	}
	return &FDTable{max: max}
}

// Install assigns f the lowest free descriptor.
func (x *FDTable) Install(f File) (int, error) {
	if f == nil {
		return -1, ErrInvalid
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for fd, v := range x.files {
		if v == nil {
			x.files[fd] = f
			return fd, nil
		}
	}
	if len(x.files) >= x.max {
		return -1, ErrTooManyFiles
	}
	x.files = append(x.files, f)
	return len(x.files) - 1, nil
}

// Get returns the file for fd.
func (x *FDTable) Get(fd int) (File, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if fd < 0 || fd >= len(x.files) || x.files[fd] == nil {
		return nil, ErrBadFD
	}
	return x.files[fd], nil
}

// Remove releases fd without closing its file.
func (x *FDTable) Remove(fd int) (File, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if fd < 0 || fd >= len(x.files) || x.files[fd] == nil {
		return nil, ErrBadFD
	}
	f := x.files[fd]
	x.files[fd] = nil
	for len(x.files) != 0 && x.files[len(x.files)-1] == nil {
		x.files = x.files[:len(x.files)-1]
	}
	return f, nil
}

// Close releases fd and closes its file.
func (x *FDTable) Close(fd int) error {
	f, err := x.Remove(fd)
	if err != nil {
		return err
	}
	return f.Close()
}

// CloseAll closes every open descriptor.
func (x *FDTable) CloseAll() {
	x.mu.Lock()
	files := x.files
	x.files = nil
	x.mu.Unlock()
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// Len returns the number of open descriptors.
func (x *FDTable) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, f := range x.files {
		if f != nil {
			n++
		}
	}
	return n
}
