package vmm_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/axvmhq/axvm/vmm"
)

// TestBootWrapsOpenDeviceError exercises the one failure path that
// doesn't need root or /dev/kvm access: a missing/unreadable
// virtualization device surfaces as a wrapped error rather than a
// panic, regardless of how the rest of the config looks.
func TestBootWrapsOpenDeviceError(t *testing.T) {
	t.Parallel()

	err := vmm.Boot(vmm.Config{
		Kernel:  "/nonexistent/bzImage",
		NCPUs:   1,
		MemSize: 128 << 20,
		Log:     logrus.NewEntry(logrus.New()),
	})

	require.Error(t, err)
}
