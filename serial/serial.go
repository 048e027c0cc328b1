// Package serial implements the COM1 subset of a 16550 UART: just
// enough register surface for a Linux guest's earlyprintk/console
// output to reach the host.
package serial

import (
	"bytes"
	"io"
	"os"

	"github.com/axvmhq/axvm/device"
)

// COM1Addr is the base I/O port of the legacy COM1 serial port.
const COM1Addr = 0x03F8

// comSize is the number of consecutive ports COM1 occupies (0x3F8..0x3FF).
const comSize = 8

const (
	offData = 0
	offLSR  = 5
)

// lsrReady reports transmitter-holding-register-empty and
// transmitter-empty, the only two status bits this subset ever shows.
const lsrReady = 0x60

// Serial is a stateless COM1 sink: every write is forwarded to output
// immediately, with '\n' translated to '\r\n'. No interrupt is ever
// raised; reads other than the line-status register always return 0.
type Serial struct {
	output  io.Writer
	capture *bytes.Buffer
}

// New returns a Serial writing guest output to output. If output is
// nil, os.Stdout is used.
func New(output io.Writer) *Serial {
	if output == nil {
		output = os.Stdout
	}

	return &Serial{output: output}
}

// SetOutput redirects guest output.
func (s *Serial) SetOutput(w io.Writer) {
	s.output = w
}

// Capture starts recording every byte the guest writes into an
// internal buffer, for tests that need to assert on console output
// without intercepting the configured output writer.
func (s *Serial) Capture() {
	s.capture = &bytes.Buffer{}
}

// Captured returns the bytes recorded since Capture was called, or nil
// if Capture was never called.
func (s *Serial) Captured() []byte {
	if s.capture == nil {
		return nil
	}

	return s.capture.Bytes()
}

// IOPort implements device.IODevice.
func (s *Serial) IOPort() uint64 { return COM1Addr }

// Size implements device.IODevice.
func (s *Serial) Size() uint64 { return comSize }

// Read implements device.IODevice. Only the line-status register
// (offset 5) returns a nonzero value.
func (s *Serial) Read(port uint64, data []byte) error {
	if len(data) == 0 {
		return device.ErrDataLenInvalid
	}

	off := port - COM1Addr

	data[0] = 0
	if off == offLSR {
		data[0] = lsrReady
	}

	return nil
}

// Write implements device.IODevice. Only offset 0 (the transmitter
// register) has any effect; every other offset is silently discarded.
func (s *Serial) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return device.ErrDataLenInvalid
	}

	if port-COM1Addr != offData {
		return nil
	}

	b := data[0]
	if s.capture != nil {
		s.capture.WriteByte(b)
	}

	if b == '\n' {
		_, err := s.output.Write([]byte{'\r', '\n'})
		return err
	}

	_, err := s.output.Write([]byte{b})

	return err
}
