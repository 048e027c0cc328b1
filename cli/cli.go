// Package cli assembles the command-line surface: a boot subcommand
// that validates its flags and runs a VM to completion, and a probe
// subcommand that reports host KVM capabilities.
package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/axvmhq/axvm/logging"
	"github.com/axvmhq/axvm/probe"
	"github.com/axvmhq/axvm/vmm"
)

// defaultParams is the kernel command line used when --params is
// not given: console on COM1, root on the virtio-block device, and
// the two virtio-mmio windows the VM builder wires devices onto.
const defaultParams = "console=ttyS0 earlyprintk=serial reboot=k panic=1 nokaslr noapic " +
	"virtio_mmio.device=4K@0xFEB00000:5 virtio_mmio.device=4K@0xFEB10000:6 " +
	"root=/dev/vda rw"

const (
	minMemSize = 128 << 20
	maxMemSize = 64 << 30
	memAlign   = 2 << 20
)

// CLI is the root command, parsed by kong.
type CLI struct {
	Boot  BootCmd  `cmd:"" help:"Boot a Linux kernel in a new VM."`
	Probe ProbeCmd `cmd:"" help:"Report host KVM capabilities."`
}

// BootCmd is the primary path: validate flags, then build and run one
// VM to completion.
type BootCmd struct {
	Mem        string `name:"mem" short:"m" default:"1G" help:"Guest memory size (e.g. 512M, 1G)."`
	CPUs       int    `name:"cpus" short:"c" default:"1" help:"Number of vCPUs."`
	Kernel     string `name:"kernel" short:"k" required:"" type:"existingfile" help:"Path to a bzImage kernel."`
	Disk       string `name:"disk" short:"d" type:"existingfile" help:"Path to a raw disk image backing /dev/vda."`
	Tap        string `name:"tap" short:"t" help:"Name of a host tap interface for the guest NIC."`
	Params     string `name:"params" help:"Kernel command line."`
	Verbose    int    `name:"verbose" short:"v" type:"counter" help:"Increase log verbosity (repeatable)."`
	NoMetrics  bool   `name:"no-metrics" help:"Disable periodic metrics logging."`
	CPUProfile string `name:"cpu-profile" help:"Write a CPU profile into this directory."`
	PprofAddr  string `name:"pprof-addr" help:"Serve fgprof wall-clock profiles on this address."`

	memBytes int
}

// AfterApply validates flags kong's own mappers can't express: memory
// size parsing/bounds and the vCPU count ceiling. It runs after kong
// has resolved every flag but before Run, so a bad config never opens
// the virtualization device.
func (b *BootCmd) AfterApply() error {
	size, err := ParseMemSize(b.Mem)
	if err != nil {
		return fmt.Errorf("cli: --mem: %w", err)
	}

	if size < minMemSize || size > maxMemSize || size%memAlign != 0 {
		return fmt.Errorf("cli: --mem %s: must be an even multiple of 2 MiB between 128 MiB and 64 GiB", b.Mem)
	}

	b.memBytes = size

	maxCPUs := 2 * runtime.NumCPU()
	if b.CPUs < 1 || b.CPUs > maxCPUs {
		return fmt.Errorf("cli: --cpus %d: must be between 1 and %d", b.CPUs, maxCPUs)
	}

	if b.Params == "" {
		b.Params = defaultParams
	}

	return nil
}

// Run builds and runs the VM, optionally wrapped in a CPU profile and
// with an fgprof listener started alongside it.
func (b *BootCmd) Run() error {
	log := logging.New(logging.VerbosityToLevel(b.Verbose), "vmm")

	if b.PprofAddr != "" {
		go serveFgprof(b.PprofAddr, log)
	}

	if b.CPUProfile != "" {
		stop := profile.Start(profile.CPUProfile, profile.ProfilePath(b.CPUProfile), profile.Quiet).Stop
		defer stop()
	}

	return vmm.Boot(vmm.Config{
		Kernel:    b.Kernel,
		Disk:      b.Disk,
		Tap:       b.Tap,
		Params:    b.Params,
		NCPUs:     b.CPUs,
		MemSize:   b.memBytes,
		NoMetrics: b.NoMetrics,
		Log:       log,
	})
}

func serveFgprof(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/debug/fgprof", fgprof.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("fgprof listener exited")
	}
}

// ProbeCmd reports host KVM capabilities without creating a VM.
type ProbeCmd struct{}

// Run implements the probe subcommand.
func (ProbeCmd) Run() error {
	return probe.Run(os.Stdout)
}

// ErrBadSize is wrapped by ParseMemSize when s is not a valid
// num[kKmMgG] size string.
var ErrBadSize = errors.New("cli: invalid size")

// ParseMemSize parses a size string as a number followed by an
// optional k/K/m/M/g/G unit suffix (default M when no suffix is
// given) into a byte count.
func ParseMemSize(s string) (int, error) {
	unit := "M"

	trimmed := strings.TrimRight(s, "kKmMgG")
	if len(trimmed) == 0 {
		return -1, fmt.Errorf("%w: %q", ErrBadSize, s)
	}

	amt, err := strconv.ParseUint(trimmed, 0, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %q: %w", ErrBadSize, s, err)
	}

	if len(s) > len(trimmed) {
		unit = s[len(trimmed):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	default:
		return -1, fmt.Errorf("%w: %q", ErrBadSize, s)
	}
}

// Run parses os.Args (via kong) and runs whichever subcommand was
// selected.
func Run() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("axvm"),
		kong.Description("axvm is a small Linux KVM hypervisor that boots a kernel to userspace."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}
