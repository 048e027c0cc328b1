package bootimage_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axvmhq/axvm/bootimage"
	"github.com/axvmhq/axvm/memory"
)

// buildImage constructs a minimal bzImage-shaped byte slice: a real
// setup header at 0x1F1 followed by setupSects sectors of setup code
// (4 when setupSects is 0, as the loader assumes) and then the given
// kernel body.
func buildImage(t *testing.T, setupSects uint8, code32Start uint32, body []byte) []byte {
	t.Helper()

	header := make([]byte, 0x268-0x1F1)
	header[0x00] = setupSects             // setup_sects
	binary.LittleEndian.PutUint16(header[0x0D:], 0xAA55) // boot_flag
	binary.LittleEndian.PutUint32(header[0x11:], bootimage.SetupHeaderMagic)
	binary.LittleEndian.PutUint16(header[0x15:], 0x020A) // version
	binary.LittleEndian.PutUint32(header[0x23:], code32Start)

	raw := make([]byte, 0x1F1)
	raw = append(raw, header...)

	sects := int(setupSects)
	if sects == 0 {
		sects = 4
	}

	kernelOff := (sects + 1) * 512
	if len(raw) < kernelOff {
		raw = append(raw, make([]byte, kernelOff-len(raw))...)
	}

	raw = append(raw, body...)

	return raw
}

func writeTempImage(t *testing.T, data []byte) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.bzImage")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestLoadAcceptsValidImage(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte{0x90}, 256)
	path := writeTempImage(t, buildImage(t, 1, 0, body))

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	result, err := bootimage.Load(path, "console=ttyS0", mem, uint64(mem.Len()))
	require.NoError(t, err)
	require.Equal(t, uint64(bootimage.KernelAddr), result.EntryPoint)

	got, err := mem.ReadBytes(bootimage.KernelAddr, len(body))
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestLoadUsesCode32StartWhenPresent(t *testing.T) {
	t.Parallel()

	path := writeTempImage(t, buildImage(t, 1, 0x100000+0x1000, []byte{0xF4}))

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	result, err := bootimage.Load(path, "", mem, uint64(mem.Len()))
	require.NoError(t, err)
	require.Equal(t, uint64(0x101000), result.EntryPoint)
}

func TestLoadRejectsMissingMagic(t *testing.T) {
	t.Parallel()

	raw := buildImage(t, 1, 0, []byte{0x00})
	binary.LittleEndian.PutUint32(raw[0x202:], 0)
	path := writeTempImage(t, raw)

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	_, err = bootimage.Load(path, "", mem, uint64(mem.Len()))
	require.ErrorIs(t, err, bootimage.ErrNotABzImage)
}

func TestLoadRejectsTruncatedImage(t *testing.T) {
	t.Parallel()

	path := writeTempImage(t, make([]byte, 64))

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	_, err = bootimage.Load(path, "", mem, uint64(mem.Len()))
	require.ErrorIs(t, err, bootimage.ErrTruncatedImage)
}

func TestLoadDefaultsZeroSetupSects(t *testing.T) {
	t.Parallel()

	path := writeTempImage(t, buildImage(t, 0, 0, []byte{0x90, 0x90}))

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	result, err := bootimage.Load(path, "", mem, uint64(mem.Len()))
	require.NoError(t, err)
	require.Len(t, result.ZeroPage.E820Entries(), 2)
	require.EqualValues(t, 4, result.ZeroPage.SetupSects())
}

func TestLoadPlacesCommandLine(t *testing.T) {
	t.Parallel()

	path := writeTempImage(t, buildImage(t, 1, 0, []byte{0x90}))

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	cmdline := "console=ttyS0 root=/dev/vda rw"
	result, err := bootimage.Load(path, cmdline, mem, uint64(mem.Len()))
	require.NoError(t, err)

	got, err := mem.ReadBytes(bootimage.CmdlineAddr, len(cmdline)+1)
	require.NoError(t, err)
	require.Equal(t, cmdline, string(got[:len(cmdline)]))
	require.Zero(t, got[len(cmdline)])

	zpBytes, err := mem.ReadBytes(bootimage.ZeroPageAddr, bootimage.ZeroPageSize)
	require.NoError(t, err)
	require.Equal(t, result.ZeroPage.Bytes(), zpBytes)
}

func TestLoadTruncatesOverlongCommandLine(t *testing.T) {
	t.Parallel()

	path := writeTempImage(t, buildImage(t, 1, 0, []byte{0x90}))

	mem, err := memory.New(2 * 1024 * 1024)
	require.NoError(t, err)
	defer mem.Close()

	cmdline := string(bytes.Repeat([]byte{'x'}, 70000))
	result, err := bootimage.Load(path, cmdline, mem, uint64(mem.Len()))
	require.NoError(t, err)
	require.Less(t, int(result.ZeroPage.CmdlineSize()), len(cmdline))
}
