package acpi

import (
	"github.com/axvmhq/axvm/memory"
)

// Setup builds the RSDP/RSDT/MADT table chain describing vcpuCount
// processors and writes it into mem at RSDPStart. Tables are
// serialized back-to-front (MADT, then RSDT, then RSDP) so that each
// table's address is known before the table referencing it is built.
func Setup(mem *memory.GuestMemory, vcpuCount int) error {
	rsdtAddr := uint32(RSDPStart + rsdpSize())
	madtAddr := rsdtAddr + headerSize + 4

	madt := buildMADT(vcpuCount)
	if err := mem.WriteBytes(uint64(madtAddr), madt); err != nil {
		return err
	}

	rsdt := buildRSDT(madtAddr)
	if err := mem.WriteBytes(uint64(rsdtAddr), rsdt); err != nil {
		return err
	}

	rsdpBytes := buildRSDP(rsdtAddr)

	return mem.WriteBytes(RSDPStart, rsdpBytes)
}

func rsdpSize() uint32 { return 36 }
