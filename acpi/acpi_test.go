package acpi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axvmhq/axvm/acpi"
	"github.com/axvmhq/axvm/memory"
)

func sum8(data []byte) byte {
	var s byte
	for _, b := range data {
		s += b
	}

	return s
}

func TestSetupPlacesRSDPAtFixedAddress(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	require.NoError(t, acpi.Setup(mem, 2))

	sig, err := mem.ReadBytes(acpi.RSDPStart, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("RSD PTR "), sig)
}

func TestSetupRSDPChecksumIsValid(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	require.NoError(t, acpi.Setup(mem, 1))

	rsdp, err := mem.ReadBytes(acpi.RSDPStart, 20)
	require.NoError(t, err)
	require.EqualValues(t, 0, sum8(rsdp))
}

func TestSetupRSDTPointsAtMADT(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	require.NoError(t, acpi.Setup(mem, 3))

	rsdtAddr, err := mem.ReadU32(acpi.RSDPStart + 16)
	require.NoError(t, err)

	rsdtSig, err := mem.ReadBytes(uint64(rsdtAddr), 4)
	require.NoError(t, err)
	require.Equal(t, []byte("RSDT"), rsdtSig)

	madtAddr, err := mem.ReadU32(uint64(rsdtAddr) + 36)
	require.NoError(t, err)

	madtSig, err := mem.ReadBytes(uint64(madtAddr), 4)
	require.NoError(t, err)
	require.Equal(t, []byte("APIC"), madtSig)
}

func TestSetupMADTChecksumIsValid(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	require.NoError(t, acpi.Setup(mem, 4))

	rsdtAddr, err := mem.ReadU32(acpi.RSDPStart + 16)
	require.NoError(t, err)

	madtAddr, err := mem.ReadU32(uint64(rsdtAddr) + 36)
	require.NoError(t, err)

	length, err := mem.ReadU32(uint64(madtAddr) + 4)
	require.NoError(t, err)

	table, err := mem.ReadBytes(uint64(madtAddr), int(length))
	require.NoError(t, err)
	require.EqualValues(t, 0, sum8(table))

	// Header + local-APIC-addr/flags + one 8-byte entry per vCPU.
	require.EqualValues(t, 36+8+8*4, length)
}
