package acpi

import (
	"bytes"
	"encoding/binary"
)

// localAPICAddr is the MMIO base of the local APIC every configured
// vCPU is enumerated against.
const localAPICAddr = 0xFEE00000

const (
	madtFlagPCATCompat = 1 << 0

	madtEntryTypeLocalAPIC   = 0
	madtEntryLocalAPICLength = 8

	madtEntryFlagEnabled = 1 << 0
)

// madtLocalAPIC is a Processor Local APIC entry (type 0) within the MADT.
type madtLocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

func (e madtLocalAPIC) bytes() []byte {
	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, e)

	return buf.Bytes()
}

// buildMADT returns the serialized Multiple APIC Description Table
// enumerating vcpuCount processors, with its checksum already filled in.
func buildMADT(vcpuCount int) []byte {
	body := make([]byte, 0, 8+madtEntryLocalAPICLength*vcpuCount)
	body = binary.LittleEndian.AppendUint32(body, localAPICAddr)
	body = binary.LittleEndian.AppendUint32(body, madtFlagPCATCompat)

	for i := 0; i < vcpuCount; i++ {
		entry := madtLocalAPIC{
			Type:        madtEntryTypeLocalAPIC,
			Length:      madtEntryLocalAPICLength,
			ProcessorID: uint8(i),
			APICID:      uint8(i),
			Flags:       madtEntryFlagEnabled,
		}
		body = append(body, entry.bytes()...)
	}

	length := uint32(headerSize + len(body))
	hdr := newHeader(SigAPIC, length, 1, "AXVM  ", "AXVMCPU ")

	table := append(hdr.bytes(), body...)
	table[9] = checksum(table) // checksum field sits at offset 9 in Header.

	return table
}
