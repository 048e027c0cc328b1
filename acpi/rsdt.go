package acpi

import "encoding/binary"

// buildRSDT returns the serialized Root System Description Table,
// pointing at the single MADT entry this implementation emits.
func buildRSDT(madtAddr uint32) []byte {
	length := uint32(headerSize + 4)
	hdr := newHeader(SigRSDT, length, 1, "AXVM  ", "AXVMRSDT")

	table := hdr.bytes()
	table = binary.LittleEndian.AppendUint32(table, madtAddr)
	table[9] = checksum(table)

	return table
}
