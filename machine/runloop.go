package machine

import (
	"errors"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/axvmhq/axvm/device"
	"github.com/axvmhq/axvm/kvm"
	"github.com/axvmhq/axvm/virtio"
)

// serialPortBase/serialPortEnd bound the COM1 I/O window the run loop
// forwards to the serial device.
const (
	serialPortBase = 0x3F8
	serialPortEnd  = 0x400
)

// Run spawns one goroutine per vCPU and blocks until every one of them
// returns, following the per-vCPU dispatch loop: check the stop flag,
// poll the net device from vCPU 0 only, invoke KVM_RUN, and dispatch
// on the resulting exit reason.
func (m *Machine) Run() {
	var wg sync.WaitGroup

	for i := range m.vcpus {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			m.runVCPU(idx)
		}(i)
	}

	wg.Wait()
}

func (m *Machine) runVCPU(idx int) {
	v := m.vcpus[idx]
	log := m.log.WithField("vcpu", idx)

	for {
		if m.stop.Load() {
			return
		}

		if idx == 0 {
			m.pollNet(log)
		}

		if err := kvm.Run(v.fd); err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				runtime.Gosched()

				continue
			case errors.Is(err, unix.EINTR):
				continue
			default:
				log.WithError(err).Error("vCPU run failed")
				m.Stop()

				return
			}
		}

		if m.dispatchExit(v, log) {
			return
		}
	}
}

// pollNet performs the vCPU-0-only non-blocking RX/TX poll. It yields
// the round entirely if guest memory is contended rather than
// blocking the polling vCPU.
func (m *Machine) pollNet(log *logrus.Entry) {
	if m.net == nil {
		return
	}

	if !m.mem.TryAcquire() {
		return
	}

	rx := m.net.PollRX(m.mem)
	tx := m.net.PollTX(m.mem)
	m.mem.Release()

	if rx || tx {
		if err := m.PulseIRQ(virtioNetIRQ); err != nil {
			log.WithError(err).Warn("net IRQ injection failed")
		}
	}
}

// dispatchExit handles one KVM_RUN exit. It returns true when the
// vCPU thread should stop.
func (m *Machine) dispatchExit(v vcpu, log *logrus.Entry) bool {
	switch kvm.ExitType(v.run.ExitReason) {
	case kvm.EXITIO:
		m.dispatchIO(v, log)
	case kvm.EXITMMIO:
		m.dispatchMMIO(v, log)
	case kvm.EXITHLT:
		if m.stop.Load() {
			return true
		}

		runtime.Gosched()
	case kvm.EXITSHUTDOWN:
		log.Info("guest requested shutdown")
		m.Stop()

		return true
	default:
		log.WithField("reason", kvm.ExitType(v.run.ExitReason)).Debug("ignoring exit")
	}

	return false
}

func (m *Machine) dispatchIO(v vcpu, log *logrus.Entry) {
	direction, size, port, _, offset := v.run.IO()

	dev := m.ioDeviceFor(port)
	if dev == nil {
		return
	}

	data := v.run.IOData(offset, int(size))

	var err error
	if direction == kvm.EXITIOOUT {
		err = dev.Write(port, data)
	} else {
		err = dev.Read(port, data)
	}

	if err != nil {
		log.WithError(err).Warn("port I/O failed")
	}
}

func (m *Machine) ioDeviceFor(port uint64) device.IODevice {
	if m.serial != nil && port >= serialPortBase && port < serialPortEnd {
		return m.serial
	}

	if m.shutdown != nil && port >= m.shutdown.IOPort() && port < m.shutdown.IOPort()+m.shutdown.Size() {
		return m.shutdown
	}

	return nil
}

func (m *Machine) dispatchMMIO(v vcpu, log *logrus.Entry) {
	addr, data, length, isWrite := v.run.MMIO()

	dev, irqLine := m.mmioDeviceFor(addr)
	if dev == nil {
		return
	}

	offset := addr - dev.Base()
	buf := data[:length]

	if !isWrite {
		dev.Read(offset, buf)
		v.run.SetMMIOData(buf)

		return
	}

	m.mem.Acquire()
	irq := dev.Write(offset, buf, m.mem)
	m.mem.Release()

	if irq {
		if err := m.PulseIRQ(irqLine); err != nil {
			log.WithError(err).Warn("virtio IRQ injection failed")
		}
	}
}

// mmioDeviceFor returns whichever virtio device's window addr falls
// in, along with the IRQ line it pulses on, or (nil, 0) if addr is
// outside both windows.
func (m *Machine) mmioDeviceFor(addr uint64) (virtio.MMIODevice, uint32) {
	if m.block != nil && addr >= m.block.Base() && addr < m.block.Base()+m.block.Size() {
		return m.block, virtioBlkIRQ
	}

	if m.net != nil && addr >= m.net.Base() && addr < m.net.Base()+m.net.Size() {
		return m.net, virtioNetIRQ
	}

	return nil, 0
}
