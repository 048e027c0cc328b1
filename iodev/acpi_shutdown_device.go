// Package iodev holds port-mapped I/O devices that are not part of
// the core virtio/serial surface but still need a slot in the run
// loop's dispatch table.
package iodev

import (
	"github.com/sirupsen/logrus"

	"github.com/axvmhq/axvm/device"
)

// ACPIShutDownPort is the guest-visible I/O port EDK2/cloud-hypervisor
// style firmware (and a cooperative Linux guest writing the DSDT's S5
// sleep value) use to signal reboot or poweroff.
const ACPIShutDownPort = uint64(0x600)

const (
	s5SleepVal       = uint8(5)
	sleepStatusEnBit = uint8(5)
	sleepValBit      = uint8(2)
)

// ACPIShutDownDevice observes writes to ACPIShutDownPort and invokes
// onShutdown once the guest writes the ACPI S5 sleep value, using the
// same stop path the run loop's HLT/shutdown exit handling uses so
// that a guest-initiated poweroff joins all vCPU threads exactly like
// an externally signaled one.
type ACPIShutDownDevice struct {
	onShutdown func()
	log        *logrus.Entry
}

// NewACPIShutDownDevice returns a shutdown device that calls onShutdown
// when the guest requests S5. onShutdown must be safe to call more than
// once (e.g. it sets an atomic stop flag).
func NewACPIShutDownDevice(onShutdown func(), log *logrus.Entry) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{onShutdown: onShutdown, log: log}
}

// Read implements device.IODevice.
func (a *ACPIShutDownDevice) Read(port uint64, data []byte) error {
	if len(data) == 0 {
		return device.ErrDataLenInvalid
	}

	data[0] = 0

	return nil
}

// Write implements device.IODevice.
func (a *ACPIShutDownDevice) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return device.ErrDataLenInvalid
	}

	v := data[0]

	switch {
	case v == 1:
		a.log.Info("ACPI reboot signaled")
		a.onShutdown()
	case v == (s5SleepVal<<sleepValBit)|(1<<sleepStatusEnBit):
		a.log.Info("ACPI shutdown signaled")
		a.onShutdown()
	}

	return nil
}

// IOPort implements device.IODevice.
func (a *ACPIShutDownDevice) IOPort() uint64 { return ACPIShutDownPort }

// Size implements device.IODevice.
func (a *ACPIShutDownDevice) Size() uint64 { return 0x8 }
