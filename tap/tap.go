// Package tap opens a Linux tap(4) network interface and wires it up
// for non-blocking I/O, so the net-virtio device can poll it from the
// run loop without stalling a vCPU thread.
package tap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

// Tap is a host tap interface backing a guest virtio-net device.
type Tap struct {
	fd int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)

	var err error
	if errno != 0 {
		err = errno
	}

	return res, err
}

// New creates (or attaches to) the tap device named name and leaves it
// open in non-blocking mode with SIGIO delivery enabled.
func New(name string) (*Tap, error) {
	var err error

	t := &Tap{}

	if t.fd, err = unix.Open("/dev/net/tun", unix.O_RDWR, 0); err != nil {
		return t, err
	}

	ifr := ifReq{
		Name:  [ifNameSize]byte{},
		Flags: unix.IFF_TAP | unix.IFF_NO_PI,
	}
	copy(ifr.Name[:ifNameSize-1], name)

	ifrPtr := uintptr(unsafe.Pointer(&ifr))
	if _, err = ioctl(uintptr(t.fd), unix.TUNSETIFF, ifrPtr); err != nil {
		return t, err
	}

	// Issue SIGIO if the tap interface becomes readable.
	if _, err = unix.FcntlInt(uintptr(t.fd), unix.F_SETSIG, 0); err != nil {
		fmt.Printf("tap: F_SETSIG failed\r\n")
		return t, err
	}

	flags, err := unix.FcntlInt(uintptr(t.fd), unix.F_GETFL, 0)
	if err != nil {
		fmt.Printf("tap: F_GETFL failed\r\n")
		return t, err
	}

	if _, err = unix.FcntlInt(uintptr(t.fd), unix.F_SETFL, flags|unix.O_NONBLOCK|unix.O_ASYNC); err != nil {
		fmt.Printf("tap: F_SETFL failed\r\n")
		return t, err
	}

	return t, nil
}

// Close releases the underlying file descriptor.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}

// Write sends buf as a single frame to the tap interface.
func (t Tap) Write(buf []byte) (int, error) {
	return unix.Write(t.fd, buf)
}

// Read reads one pending frame from the tap interface. It returns
// unix.EAGAIN when no frame is currently available, matching the
// non-blocking mode set up in New.
func (t Tap) Read(buf []byte) (int, error) {
	return unix.Read(t.fd, buf)
}
