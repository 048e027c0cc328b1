package kvm

import "fmt"

// Capability identifiers for KVM_CHECK_EXTENSION, as defined by
// <linux/kvm.h>. Only the subset the capability probe (component L)
// and the VM builder actually query are enumerated.
type Capability int

const (
	CapIRQChip      Capability = 0
	CapUserMemory   Capability = 3
	CapSetTSSAddr   Capability = 4
	CapEXTCPUID     Capability = 7
	CapNRMemSlots   Capability = 10
	CapMPState      Capability = 14
	CapIRQRouting   Capability = 25
	CapIOMMU        Capability = 18
	CapKVMClockCtrl Capability = 76
)

var capabilityNames = map[Capability]string{
	CapIRQChip:      "CapIRQChip",
	CapUserMemory:   "CapUserMemory",
	CapSetTSSAddr:   "CapSetTSSAddr",
	CapEXTCPUID:     "CapEXTCPUID",
	CapNRMemSlots:   "CapNRMemSlots",
	CapMPState:      "CapMPState",
	CapIRQRouting:   "CapIRQRouting",
	CapIOMMU:        "CapIOMMU",
	CapKVMClockCtrl: "CapKVMClockCtrl",
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", int(c))
}
