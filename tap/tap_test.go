package tap_test

import (
	"errors"
	"os/exec"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/axvmhq/axvm/tap"
)

func TestNew(t *testing.T) { // nolint:paralleltest
	tp, err := tap.New("test_tap")
	if err != nil {
		t.Fatal(err)
	}

	if err := tp.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWrite(t *testing.T) { // nolint:paralleltest
	tp, err := tap.New("test_write")
	if err != nil {
		t.Fatal(err)
	}

	if err := exec.Command("ip", "link", "set", "test_write", "up").Run(); err != nil {
		t.Fatal(err)
	}

	if _, err := tp.Write(make([]byte, 20)); err != nil {
		t.Fatal(err)
	}

	_ = tp.Close()
}

func TestRead(t *testing.T) { // nolint:paralleltest
	tp, err := tap.New("test_read")
	if err != nil {
		t.Fatal(err)
	}

	if err := exec.Command("ip", "link", "set", "test_read", "up").Run(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 20)
	if _, err := tp.Read(buf); !errors.Is(err, unix.EAGAIN) {
		t.Fatal(err)
	}

	_ = tp.Close()
}
