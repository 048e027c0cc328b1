// Package kvm provides typed wrappers around the /dev/kvm ioctl
// interface: VM and vCPU lifecycle, register access, memory slots,
// interrupt injection and CPUID negotiation.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction/size encoding, mirroring <asm-generic/ioctl.h>.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO builds an argument-less ioctl request number.
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOR builds a read-only (kernel writes to us) ioctl request number.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOW builds a write-only (we write to kernel) ioctl request number.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOWR builds a read-write ioctl request number.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

const (
	nrGetAPIVersion       = 0x00
	nrCreateVM            = 0x01
	nrGetMSRIndexList     = 0x02
	nrCheckExtension      = 0x03
	nrGetVCPUMMapSize     = 0x04
	nrGetSupportedCPUID   = 0x05
	nrCreateVCPU          = 0x41
	nrGetDirtyLog         = 0x42
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
	nrCreateIRQChip       = 0x60
	nrIRQLine             = 0x61
	nrGetRegs             = 0x81
	nrSetRegs             = 0x82
	nrGetSregs            = 0x83
	nrSetSregs            = 0x84
	nrGetDebugRegs        = 0xa1
	nrSetDebugRegs        = 0xa2
	nrRun                 = 0x80
	nrSetCPUID2           = 0x90
	nrCreatePIT2          = 0x77
)

var (
	kvmGetAPIVersion       = IIO(nrGetAPIVersion)
	kvmCreateVM            = IIO(nrCreateVM)
	kvmGetMSRIndexList     = nrGetMSRIndexList
	kvmCheckExtension      = IIO(nrCheckExtension)
	kvmGetVCPUMMapSize     = IIO(nrGetVCPUMMapSize)
	kvmGetSupportedCPUID   = nrGetSupportedCPUID
	kvmCreateVCPU          = IIO(nrCreateVCPU)
	kvmSetUserMemoryRegion = nrSetUserMemoryRegion
	kvmSetTSSAddr          = IIO(nrSetTSSAddr)
	kvmSetIdentityMapAddr  = nrSetIdentityMapAddr
	kvmCreateIRQChip       = IIO(nrCreateIRQChip)
	kvmIRQLine             = nrIRQLine
	kvmGetRegs             = nrGetRegs
	kvmSetRegs             = nrSetRegs
	kvmGetSregs            = nrGetSregs
	kvmSetSregs            = nrSetSregs
	kvmGetDebugRegs        = nrGetDebugRegs
	kvmSetDebugRegs        = nrSetDebugRegs
	kvmRun                 = IIO(nrRun)
	kvmSetCPUID2           = nrSetCPUID2
	kvmCreatePIT2          = nrCreatePIT2
)

// Ioctl issues a single ioctl(2) call against fd, retrying internally on
// EINTR so that callers never have to special-case a signal arriving
// mid-syscall for a non-blocking control-plane operation.
func Ioctl(fd uintptr, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion returns the KVM API version, expected to be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CheckExtension reports the level of support for a capability; see
// Capability for the probed set.
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(kvmFd, kvmCheckExtension, uintptr(cap))
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates a vCPU within vmFd and returns its file descriptor.
func CreateVCPU(vmFd uintptr) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, 0)
}

// GetVCPUMMapSize returns the size of the shared kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// Run executes the vCPU until the next exit. Unlike Ioctl, it does not
// retry internally on EAGAIN or EINTR: KVM_RUN is the one ioctl whose
// caller (the run loop) needs to see these to re-check the stop flag
// between retries rather than spin inside the syscall.
func Run(vcpuFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, kvmRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// GetRegs reads the vCPU's general-purpose registers.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := Ioctl(vcpuFd, IIOR(uintptr(kvmGetRegs), unsafe.Sizeof(regs)), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs writes the vCPU's general-purpose registers.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(uintptr(kvmSetRegs), unsafe.Sizeof(regs)), uintptr(unsafe.Pointer(&regs)))

	return err
}

// GetSregs reads the vCPU's special (segment/control) registers.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := Ioctl(vcpuFd, IIOR(uintptr(kvmGetSregs), unsafe.Sizeof(sregs)), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs writes the vCPU's special (segment/control) registers.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(uintptr(kvmSetSregs), unsafe.Sizeof(sregs)), uintptr(unsafe.Pointer(&sregs)))

	return err
}

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(uintptr(kvmSetUserMemoryRegion), unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr configures the guest-physical address of the 3-page TSS
// region the host virtualization facility uses for real-mode/vm86
// emulation assistance.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr configures the guest-physical address of the
// single identity-mapped page used during real-mode entry emulation.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(uintptr(kvmSetIdentityMapAddr), 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC/IOAPIC).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// CreatePIT2 creates an in-kernel programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{}
	_, err := Ioctl(vmFd, IIOW(uintptr(kvmCreatePIT2), unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQLine asserts (level=1) or deasserts (level=0) an IRQ line on the
// in-kernel interrupt controller.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, IIOW(uintptr(kvmIRQLine), unsafe.Sizeof(irqLevel)), uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

// GetDebugRegs reads the vCPU's debug registers.
func GetDebugRegs(vcpuFd uintptr) (DebugRegs, error) {
	var d DebugRegs
	_, err := Ioctl(vcpuFd, IIOR(uintptr(kvmGetDebugRegs), unsafe.Sizeof(d)), uintptr(unsafe.Pointer(&d)))

	return d, err
}

// SetDebugRegs writes the vCPU's debug registers.
func SetDebugRegs(vcpuFd uintptr, d DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(uintptr(kvmSetDebugRegs), unsafe.Sizeof(d)), uintptr(unsafe.Pointer(&d)))

	return err
}

// GetSupportedCPUID fills cpuid with the host-supported CPUID leaves.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	// The request number encodes only the fixed nent/padding header (8
	// bytes), as <linux/kvm.h> declares struct kvm_cpuid2.
	_, err := Ioctl(kvmFd, IIOWR(uintptr(kvmGetSupportedCPUID), 8), uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs the CPUID leaves a vCPU reports to the guest.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(uintptr(kvmSetCPUID2), 8), uintptr(unsafe.Pointer(cpuid)))

	return err
}
