package iodev_test

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/axvmhq/axvm/iodev"
)

func TestShutdownOnS5Value(t *testing.T) {
	t.Parallel()

	called := 0
	d := iodev.NewACPIShutDownDevice(func() { called++ }, logrus.NewEntry(logrus.New()))

	s5 := (uint8(5) << 2) | (1 << 5)
	if err := d.Write(iodev.ACPIShutDownPort, []byte{s5}); err != nil {
		t.Fatal(err)
	}

	if called != 1 {
		t.Fatalf("onShutdown called %d times, want 1", called)
	}
}

func TestShutdownOnRebootValue(t *testing.T) {
	t.Parallel()

	called := 0
	d := iodev.NewACPIShutDownDevice(func() { called++ }, logrus.NewEntry(logrus.New()))

	if err := d.Write(iodev.ACPIShutDownPort, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if called != 1 {
		t.Fatalf("onShutdown called %d times, want 1", called)
	}
}

func TestShutdownIgnoresOtherValues(t *testing.T) {
	t.Parallel()

	called := 0
	d := iodev.NewACPIShutDownDevice(func() { called++ }, logrus.NewEntry(logrus.New()))

	if err := d.Write(iodev.ACPIShutDownPort, []byte{0x42}); err != nil {
		t.Fatal(err)
	}

	if called != 0 {
		t.Fatalf("onShutdown called %d times, want 0", called)
	}
}

func TestReadReturnsZero(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownDevice(func() {}, logrus.NewEntry(logrus.New()))

	data := []byte{0xFF}
	if err := d.Read(iodev.ACPIShutDownPort, data); err != nil {
		t.Fatal(err)
	}

	if data[0] != 0 {
		t.Fatalf("Read = %#x, want 0", data[0])
	}
}

func TestIOPortAndSize(t *testing.T) {
	t.Parallel()

	d := iodev.NewACPIShutDownDevice(func() {}, logrus.NewEntry(logrus.New()))

	if d.IOPort() != iodev.ACPIShutDownPort {
		t.Fatalf("IOPort() = %#x, want %#x", d.IOPort(), iodev.ACPIShutDownPort)
	}

	if d.Size() != 0x8 {
		t.Fatalf("Size() = %#x, want 0x8", d.Size())
	}
}
