package cli_test

import (
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"github.com/axvmhq/axvm/cli"
)

func TestParseMemSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		in   string
		want int
		err  error
	}{
		{name: "gigabytes", in: "1G", want: 1 << 30},
		{name: "lowercase gigabytes", in: "1g", want: 1 << 30},
		{name: "megabytes", in: "512M", want: 512 << 20},
		{name: "kilobytes", in: "4k", want: 4 << 10},
		{name: "bare number defaults to megabytes", in: "256", want: 256 << 20},
		{name: "large value", in: "8192m", want: 8192 << 20},
		{name: "bad unit", in: "1T", err: cli.ErrBadSize},
		{name: "garbage", in: "garbage", err: cli.ErrBadSize},
		{name: "overflow", in: "0xfffffffffffffffffffffff", err: strconv.ErrRange},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := cli.ParseMemSize(tt.in)
			if tt.err != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tt.err))

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBootCmdAfterApplyRejectsBadMemSize(t *testing.T) {
	t.Parallel()

	b := cli.BootCmd{Mem: "64M", CPUs: 1, Kernel: mustTempFile(t)}
	require.Error(t, b.AfterApply())
}

func TestBootCmdAfterApplyRejectsUnalignedMemSize(t *testing.T) {
	t.Parallel()

	b := cli.BootCmd{Mem: "129M", CPUs: 1, Kernel: mustTempFile(t)}
	require.Error(t, b.AfterApply())
}

func TestBootCmdAfterApplyRejectsTooManyCPUs(t *testing.T) {
	t.Parallel()

	b := cli.BootCmd{Mem: "256M", CPUs: 1 << 20, Kernel: mustTempFile(t)}
	require.Error(t, b.AfterApply())
}

func TestBootCmdAfterApplyFillsDefaultParams(t *testing.T) {
	t.Parallel()

	b := cli.BootCmd{Mem: "256M", CPUs: 1, Kernel: mustTempFile(t)}
	require.NoError(t, b.AfterApply())
	require.NotEmpty(t, b.Params)
}

func TestCmdlineBootParsing(t *testing.T) {
	t.Parallel()

	kernel := mustTempFile(t)

	_, err := kong.Must(&cli.CLI{}).Parse([]string{
		"boot",
		"-m", "256M",
		"-c", "2",
		"-k", kernel,
		"-v", "-v",
	})
	require.NoError(t, err)
}

func TestCmdlineProbeParsing(t *testing.T) {
	t.Parallel()

	_, err := kong.Must(&cli.CLI{}).Parse([]string{"probe"})
	require.NoError(t, err)
}

func mustTempFile(t *testing.T) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "kernel")
	require.NoError(t, err)
	defer f.Close()

	return f.Name()
}
