package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.pid")

	t.Run("write and read", func(t *testing.T) {
		if err := WritePID(path); err != nil {
			t.Fatalf("write pid: %v", err)
		}
		pid, err := ReadPID(path)
		if err != nil {
			t.Fatalf("read pid: %v", err)
		}
		if pid != os.Getpid() {
			t.Errorf("expected %d, got %d", os.Getpid(), pid)
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := RemovePID(path); err != nil {
			t.Fatalf("remove pid: %v", err)
		}
		if _, err := ReadPID(path); err == nil {
			t.Error("expected error reading removed pid file")
		}
	})

	t.Run("remove missing is nil", func(t *testing.T) {
		if err := RemovePID(path); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

func TestReadPID_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestIsDaemonRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.pid")

	t.Run("no pid file", func(t *testing.T) {
		running, pid := IsDaemonRunning(path)
		if running || pid != 0 {
			t.Errorf("expected not running, got %v pid %d", running, pid)
		}
	})

	t.Run("own pid", func(t *testing.T) {
		if err := WritePID(path); err != nil {
			t.Fatal(err)
		}
		running, pid := IsDaemonRunning(path)
		if !running || pid != os.Getpid() {
			t.Errorf("expected running with own pid, got %v pid %d", running, pid)
		}
	})

	t.Run("stale pid", func(t *testing.T) {
		// PID beyond the default pid_max is never a live process
		if err := os.WriteFile(path, []byte("4194399\n"), 0600); err != nil {
			t.Fatal(err)
		}
		running, _ := IsDaemonRunning(path)
		if running {
			t.Error("expected stale pid to report not running")
		}
		if !CleanStalePID(path) {
			t.Error("expected stale pid file to be cleaned")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("expected pid file removed")
		}
	})
}
