package machine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/axvmhq/axvm/device"
	"github.com/axvmhq/axvm/kvm"
	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/virtio"
)

// vcpu bundles a single vCPU's file descriptor with its mmapped
// kvm_run page.
type vcpu struct {
	fd     uintptr
	run    *kvm.RunData
	region []byte
}

// Machine owns one running VM: its memory, vCPUs, and the devices the
// run loop dispatches exits to.
type Machine struct {
	devFd uintptr
	vmFd  uintptr
	vcpus []vcpu

	mem *memory.GuestMemory

	serial   device.IODevice
	shutdown device.IODevice
	block    *virtio.Block
	net      *virtio.Net

	irqMu sync.Mutex
	stop  atomic.Bool

	log *logrus.Entry
}

// New creates the VM object, the in-kernel interrupt controller and
// PIT, and registers mem as the VM's single memory slot at guest address
// 0. It does not create any vCPUs or devices.
func New(devFd uintptr, mem *memory.GuestMemory, log *logrus.Entry) (*Machine, error) {
	vmFd, err := kvm.CreateVM(devFd)
	if err != nil {
		return nil, fmt.Errorf("machine: creating VM: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("machine: creating IRQ chip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("machine: creating PIT: %w", err)
	}

	region := kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(mem.Len()),
		UserspaceAddr: uint64(mem.HostAddr()),
	}
	if err := kvm.SetUserMemoryRegion(vmFd, &region); err != nil {
		return nil, fmt.Errorf("machine: registering memory slot: %w", err)
	}

	return &Machine{
		devFd: devFd,
		vmFd:  vmFd,
		mem:   mem,
		log:   log,
	}, nil
}

// AddVCPU creates a vCPU, installs the host's supported CPUID set, and
// runs setup against it. setup is one of EnterProtectedMode or
// EnterLongMode (bound to its entryPoint/zeroPage arguments by the
// caller), invoked after CPUID installation so it can freely read back
// sregs/regs.
func (m *Machine) AddVCPU(setup func(vcpuFd uintptr) error) error {
	vcpuFd, err := kvm.CreateVCPU(m.vmFd)
	if err != nil {
		return fmt.Errorf("machine: creating vCPU %d: %w", len(m.vcpus), err)
	}

	var cpuid kvm.CPUID

	cpuid.Nent = kvm.MaxCPUIDEntries
	if err := kvm.GetSupportedCPUID(m.devFd, &cpuid); err != nil {
		return fmt.Errorf("machine: querying supported CPUID: %w", err)
	}

	if err := kvm.SetCPUID2(vcpuFd, &cpuid); err != nil {
		return fmt.Errorf("machine: installing CPUID: %w", err)
	}

	if err := setup(vcpuFd); err != nil {
		return fmt.Errorf("machine: bootstrapping vCPU %d: %w", len(m.vcpus), err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(m.devFd)
	if err != nil {
		return fmt.Errorf("machine: querying vCPU mmap size: %w", err)
	}

	region, err := syscall.Mmap(int(vcpuFd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("machine: mapping vCPU run page: %w", err)
	}

	m.vcpus = append(m.vcpus, vcpu{
		fd:     vcpuFd,
		run:    (*kvm.RunData)(unsafe.Pointer(&region[0])),
		region: region,
	})

	return nil
}

// NCPU returns the number of vCPUs created so far.
func (m *Machine) NCPU() int { return len(m.vcpus) }

// Memory returns the VM's guest memory.
func (m *Machine) Memory() *memory.GuestMemory { return m.mem }

// SetSerial installs the serial console device.
func (m *Machine) SetSerial(s device.IODevice) { m.serial = s }

// SetShutdown installs the ACPI shutdown device.
func (m *Machine) SetShutdown(s device.IODevice) { m.shutdown = s }

// SetBlock installs the virtio-block device.
func (m *Machine) SetBlock(b *virtio.Block) { m.block = b }

// SetNet installs the virtio-net device.
func (m *Machine) SetNet(n *virtio.Net) { m.net = n }

// Stop requests all vCPU threads to exit at their next loop check.
// Safe to call more than once and from any goroutine, including a
// signal handler.
func (m *Machine) Stop() { m.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (m *Machine) Stopped() bool { return m.stop.Load() }

// Close unmaps every vCPU's run page and closes its file descriptor.
// It does not close the VM or virtualization device descriptors,
// which the caller opened and owns.
func (m *Machine) Close() error {
	var firstErr error

	for _, v := range m.vcpus {
		if err := syscall.Munmap(v.region); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("machine: unmapping vCPU run page: %w", err)
		}

		if err := syscall.Close(int(v.fd)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("machine: closing vCPU fd: %w", err)
		}
	}

	return firstErr
}

// PulseIRQ asserts then deasserts irq on the in-kernel interrupt
// controller. Errors are returned for the caller to log; they are
// never fatal to the VM.
func (m *Machine) PulseIRQ(irq uint32) error {
	m.irqMu.Lock()
	defer m.irqMu.Unlock()

	if err := kvm.IRQLine(m.vmFd, irq, 1); err != nil {
		return fmt.Errorf("machine: asserting IRQ %d: %w", irq, err)
	}

	if err := kvm.IRQLine(m.vmFd, irq, 0); err != nil {
		return fmt.Errorf("machine: deasserting IRQ %d: %w", irq, err)
	}

	return nil
}
