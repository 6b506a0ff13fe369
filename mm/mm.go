// Package mm models the user address space consumed by the kernel core.
package mm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Addr is a user virtual address.
type Addr uint64

var (
	// ErrFault indicates an access outside the mapped range.
	ErrFault = errors.New("mm: bad address")
	// ErrMisaligned indicates a 32-bit access not aligned to 4 bytes.
	ErrMisaligned = errors.New("mm: misaligned address")
)

// AddressSpace is the copy-in/copy-out contract of a user address space.
// The 32-bit operations are atomic with respect to each other.
type AddressSpace interface {
	CopyIn(addr Addr, dst []byte) error
	CopyOut(addr Addr, src []byte) error
	LoadUint32(addr Addr) (uint32, error)
	StoreUint32(addr Addr, v uint32) error
	CompareAndSwapUint32(addr Addr, old, new uint32) (bool, error)
}

// Flat is a single contiguous mapping starting at Base.
type Flat struct {
	mem  []byte
	base Addr
	mu   sync.RWMutex
}

var _ AddressSpace = (*Flat)(nil)

// NewFlat maps size zeroed bytes at base.
func NewFlat(base Addr, size int) *Flat {
	return &Flat{base: base, mem: make([]byte, size)}
}

// Base returns the first mapped address.
func (f *Flat) Base() Addr { return f.base }

// Size returns the number of mapped bytes.
func (f *Flat) Size() int { return len(f.mem) }

func (f *Flat) offset(addr Addr, n int) (int, error) {
	if addr < f.base || n < 0 {
		return 0, fmt.Errorf("%w: %#x", ErrFault, uint64(addr))
	}
	off := addr - f.base
	if off > Addr(len(f.mem)) || Addr(len(f.mem))-off < Addr(n) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrFault, uint64(addr), n)
	}
	return int(off), nil
}

func (f *Flat) CopyIn(addr Addr, dst []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	off, err := f.offset(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, f.mem[off:])
	return nil
}

func (f *Flat) CopyOut(addr Addr, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, err := f.offset(addr, len(src))
	if err != nil {
		return err
	}
	copy(f.mem[off:], src)
	return nil
}

func (f *Flat) word(addr Addr) (int, error) {
	if addr%4 != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrMisaligned, uint64(addr))
	}
	return f.offset(addr, 4)
}

func (f *Flat) LoadUint32(addr Addr) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	off, err := f.word(addr)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(f.mem[off:]), nil
}

func (f *Flat) StoreUint32(addr Addr, v uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, err := f.word(addr)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(f.mem[off:], v)
	return nil
}

func (f *Flat) CompareAndSwapUint32(addr Addr, old, new uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, err := f.word(addr)
	if err != nil {
		return false, err
	}
	if binary.LittleEndian.Uint32(f.mem[off:]) != old {
		return false, nil
	}
	binary.LittleEndian.PutUint32(f.mem[off:], new)
	return true, nil
}

// Sizes of the user ABI records, matching the 64-bit Linux layouts of
// unix.Timespec, unix.Timeval and unix.EpollEvent.
const (
	SizeofTimespec   = 16
	SizeofTimeval    = 16
	SizeofEpollEvent = 12
)

// ReadTimespec copies a timespec in from addr.
func ReadTimespec(as AddressSpace, addr Addr) (unix.Timespec, error) {
	var b [SizeofTimespec]byte
	if err := as.CopyIn(addr, b[:]); err != nil {
		return unix.Timespec{}, err
	}
	return unix.Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(b[0:])),
		Nsec: int64(binary.LittleEndian.Uint64(b[8:])),
	}, nil
}

// WriteTimespec copies ts out to addr.
func WriteTimespec(as AddressSpace, addr Addr, ts unix.Timespec) error {
	var b [SizeofTimespec]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(ts.Sec))
	binary.LittleEndian.PutUint64(b[8:], uint64(ts.Nsec))
	return as.CopyOut(addr, b[:])
}

// WriteTimeval copies tv out to addr.
func WriteTimeval(as AddressSpace, addr Addr, tv unix.Timeval) error {
	var b [SizeofTimeval]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(tv.Sec))
	binary.LittleEndian.PutUint64(b[8:], uint64(tv.Usec))
	return as.CopyOut(addr, b[:])
}

// ReadEpollEvent copies a packed epoll_event in from addr.
func ReadEpollEvent(as AddressSpace, addr Addr) (unix.EpollEvent, error) {
	var b [SizeofEpollEvent]byte
	if err := as.CopyIn(addr, b[:]); err != nil {
		return unix.EpollEvent{}, err
	}
	return unix.EpollEvent{
		Events: binary.LittleEndian.Uint32(b[0:]),
		Fd:     int32(binary.LittleEndian.Uint32(b[4:])),
		Pad:    int32(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

// WriteEpollEvents copies evs out to addr as a packed epoll_event array.
func WriteEpollEvents(as AddressSpace, addr Addr, evs []unix.EpollEvent) error {
	b := make([]byte, len(evs)*SizeofEpollEvent)
	for i, ev := range evs {
		o := i * SizeofEpollEvent
		binary.LittleEndian.PutUint32(b[o:], ev.Events)
		binary.LittleEndian.PutUint32(b[o+4:], uint32(ev.Fd))
		binary.LittleEndian.PutUint32(b[o+8:], uint32(ev.Pad))
	}
	return as.CopyOut(addr, b)
}

// TimespecToDuration validates ts as a relative interval.
func TimespecToDuration(ts unix.Timespec) (time.Duration, bool) {
	if ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= int64(time.Second) {
		return 0, false
	}
	const maxSec = int64(1<<63-1) / int64(time.Second)
	if ts.Sec >= maxSec {
		return time.Duration(1<<63 - 1), true
	}
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec), true
}

// DurationToTimespec converts d, clamping negative values to zero.
func DurationToTimespec(d time.Duration) unix.Timespec {
	if d < 0 {
		d = 0
	}
	return unix.NsecToTimespec(int64(d))
}
