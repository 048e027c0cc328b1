// Package vmm wires guest memory, a boot image, and the device set
// into a running Machine: validate configuration, open the
// virtualization device, build the VM object, load the kernel, create
// vCPUs, attach devices, and run until the guest or a host signal
// requests a stop.
package vmm

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axvmhq/axvm/acpi"
	"github.com/axvmhq/axvm/bootimage"
	"github.com/axvmhq/axvm/iodev"
	"github.com/axvmhq/axvm/machine"
	"github.com/axvmhq/axvm/memory"
	"github.com/axvmhq/axvm/serial"
	"github.com/axvmhq/axvm/tap"
	"github.com/axvmhq/axvm/term"
	"github.com/axvmhq/axvm/virtio"
)

// Fixed guest-physical addresses of the two virtio-mmio windows. They
// match the kernel command line's virtio_mmio.device= parameters.
const (
	blockMMIOAddr = 0xFEB00000
	netMMIOAddr   = 0xFEB10000

	kvmDevicePath = "/dev/kvm"
)

// Config describes one VM to boot.
type Config struct {
	Kernel    string
	Disk      string
	Tap       string
	Params    string
	NCPUs     int
	MemSize   int
	NoMetrics bool
	Log       *logrus.Entry
}

// Boot runs a VM to completion: it returns once every vCPU thread has
// exited, either because the guest halted/shut down or because Stop
// was called from a signal handler.
func Boot(cfg Config) error {
	log := cfg.Log
	startedAt := time.Now()

	devKVM, err := os.OpenFile(kvmDevicePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vmm: opening %s: %w", kvmDevicePath, err)
	}
	defer devKVM.Close()

	mem, err := memory.New(cfg.MemSize)
	if err != nil {
		return fmt.Errorf("vmm: allocating guest memory: %w", err)
	}
	defer mem.Close()

	m, err := machine.New(devKVM.Fd(), mem, log)
	if err != nil {
		return fmt.Errorf("vmm: creating VM: %w", err)
	}
	defer m.Close()

	if err := acpi.Setup(mem, cfg.NCPUs); err != nil {
		return fmt.Errorf("vmm: writing ACPI tables: %w", err)
	}

	result, err := bootimage.Load(cfg.Kernel, cfg.Params, mem, uint64(mem.Len()))
	if err != nil {
		return fmt.Errorf("vmm: loading kernel: %w", err)
	}

	for cpu := 0; cpu < cfg.NCPUs; cpu++ {
		entry, zeroPage := result.EntryPoint, uint64(bootimage.ZeroPageAddr)

		if err := m.AddVCPU(func(vcpuFd uintptr) error {
			return machine.EnterProtectedMode(vcpuFd, mem, entry, zeroPage)
		}); err != nil {
			return fmt.Errorf("vmm: adding vCPU %d: %w", cpu, err)
		}
	}

	if err := attachDevices(m, cfg, log); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"cpus":        cfg.NCPUs,
		"mem":         cfg.MemSize,
		"interactive": term.IsTerminal(),
	}).Info("starting VM")

	stopOnSignal(m, log)

	m.Run()

	if !cfg.NoMetrics {
		log.WithFields(logrus.Fields{
			"cpus":   cfg.NCPUs,
			"uptime": time.Since(startedAt).String(),
		}).Info("all vCPUs exited")
	} else {
		log.Info("all vCPUs exited")
	}

	return nil
}

// attachDevices constructs and installs the serial console, the ACPI
// shutdown device, and the virtio block/net devices. A missing disk
// path is not an error: the block device is simply omitted. The net
// device is always attached; with no tap name, or a tap that fails to
// open, it is a link-down net device rather than a boot failure.
func attachDevices(m *machine.Machine, cfg Config, log *logrus.Entry) error {
	m.SetSerial(serial.New(os.Stdout))
	m.SetShutdown(iodev.NewACPIShutDownDevice(m.Stop, log.WithField("component", "acpi-shutdown")))

	if cfg.Disk != "" {
		block, err := virtio.NewBlock(blockMMIOAddr, cfg.Disk)
		if err != nil {
			return fmt.Errorf("vmm: attaching block device: %w", err)
		}

		m.SetBlock(block)
	}

	var tapDev *tap.Tap

	if cfg.Tap != "" {
		t, err := tap.New(cfg.Tap)
		if err != nil {
			log.WithError(err).WithField("tap", cfg.Tap).Warn("tap device unavailable, net device link-down")
		} else {
			tapDev = t
		}
	}

	if tapDev != nil {
		m.SetNet(virtio.NewNet(netMMIOAddr, tapDev))
	} else {
		m.SetNet(virtio.NewNet(netMMIOAddr, nil))
	}

	return nil
}

// stopOnSignal installs a handler that requests the run loop stop on
// SIGINT or SIGTERM. It returns immediately; the handler runs for the
// remaining lifetime of the process.
func stopOnSignal(m *machine.Machine, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		m.Stop()
	}()
}
