// Package probe implements the read-only capability report the CLI's
// "probe" subcommand prints: it opens /dev/kvm, queries a fixed set of
// extensions, and dumps supported CPUID leaves, without ever creating
// a VM or vCPU.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/axvmhq/axvm/kvm"
)

// capabilities is the fixed set of extensions the report queries.
var capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapMPState,
	kvm.CapIOMMU,
	kvm.CapIRQRouting,
	kvm.CapKVMClockCtrl,
}

// Run opens /dev/kvm and writes a human-readable capability and CPUID
// report to w. It never mutates VM state.
func Run(w io.Writer) error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("probe: opening /dev/kvm: %w", err)
	}
	defer f.Close()

	fd := f.Fd()

	version, err := kvm.GetAPIVersion(fd)
	if err != nil {
		return fmt.Errorf("probe: KVM_GET_API_VERSION: %w", err)
	}

	fmt.Fprintf(w, "API version: %d\n", version)

	fmt.Fprintln(w, "Extensions:")

	for _, capID := range capabilities {
		level, err := kvm.CheckExtension(fd, capID)
		if err != nil {
			return fmt.Errorf("probe: KVM_CHECK_EXTENSION(%s): %w", capID, err)
		}

		fmt.Fprintf(w, "  %-20s %d\n", capID, level)
	}

	msrs, err := kvm.GetMSRIndexList(fd)
	if err != nil {
		return fmt.Errorf("probe: KVM_GET_MSR_INDEX_LIST: %w", err)
	}

	fmt.Fprintf(w, "Supported MSRs: %d\n", msrs.NMSRs)

	var cpuid kvm.CPUID

	cpuid.Nent = kvm.MaxCPUIDEntries
	if err := kvm.GetSupportedCPUID(fd, &cpuid); err != nil {
		return fmt.Errorf("probe: KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	fmt.Fprintf(w, "Supported CPUID leaves: %d\n", cpuid.Nent)

	for _, e := range cpuid.Entries[:cpuid.Nent] {
		fmt.Fprintf(w, "  function=0x%08x index=0x%x eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}

	return nil
}
