package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestPIDFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("WriteAndRead", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(GetPIDFilePath())
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != strconv.Itoa(os.Getpid()) {
			t.Fatalf("expected PID %d, got %s", os.Getpid(), data)
		}

		pid, err := ReadPIDFile()
		if err != nil {
			t.Fatal(err)
		}
		if pid != os.Getpid() {
			t.Fatalf("expected PID %d, got %d", os.Getpid(), pid)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}
		if err := RemovePIDFile(); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPIDFile(); err == nil {
			t.Fatal("expected error when PID file doesn't exist")
		}
	})

	t.Run("GarbageContent", func(t *testing.T) {
		if err := os.WriteFile(GetPIDFilePath(), []byte("not-a-pid"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPIDFile(); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("IsProcessRunning", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Fatal("current process should be running")
		}
		if IsProcessRunning(-1) {
			t.Fatal("invalid PID should not be running")
		}
	})
}

func TestCheckNotRunning(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("NoFile", func(t *testing.T) {
		if err := CheckNotRunning(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("OwnPID", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}
		if err := CheckNotRunning(); err != nil {
			t.Fatalf("own PID should not block: %v", err)
		}
	})

	t.Run("LiveProcess", func(t *testing.T) {
		// the parent of the test binary is alive for the duration of the test
		ppid := os.Getppid()
		if ppid <= 1 {
			t.Skip("no usable parent process")
		}
		if err := os.MkdirAll(StateDir(), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(GetPIDFilePath(), []byte(strconv.Itoa(ppid)), 0o600); err != nil {
			t.Fatal(err)
		}
		err := CheckNotRunning()
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Fatalf("expected ErrAlreadyRunning, got %v", err)
		}
	})

	t.Run("StaleFileRemoved", func(t *testing.T) {
		if err := os.WriteFile(GetPIDFilePath(), []byte("999999999"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := CheckNotRunning(); err != nil {
			t.Fatalf("stale PID should not block: %v", err)
		}
		if _, err := os.Stat(GetPIDFilePath()); !os.IsNotExist(err) {
			t.Fatal("stale PID file should be removed")
		}
	})
}

func TestTaskInfo(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	info := &TaskInfo{
		PID:           os.Getpid(),
		RunID:         "run-1",
		StartTime:     time.Now(),
		ArchiveURL:    "https://example.com/dump.zip",
		Targets:       []string{"recipients", "payments"},
		CurrentTarget: "recipients",
		CurrentStep:   "downloading",
		TotalItems:    4,
		DoneItems:     1,
	}
	if err := WriteTaskInfo(info); err != nil {
		t.Fatal(err)
	}

	if got := GetTaskFilePath(); got != filepath.Join(home, ".ziptable", "current_task.json") {
		t.Fatalf("unexpected task path %s", got)
	}

	read, err := ReadTaskInfo()
	if err != nil {
		t.Fatal(err)
	}
	if read.CurrentTarget != "recipients" || read.CurrentStep != "downloading" {
		t.Fatalf("unexpected task info: %+v", read)
	}
	if read.Progress != 25 {
		t.Fatalf("expected progress 25, got %f", read.Progress)
	}
	if read.LastUpdate.IsZero() {
		t.Fatal("LastUpdate should be set")
	}
	if len(read.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %v", read.Targets)
	}

	if err := RemoveTaskFile(); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTaskInfo(); err == nil {
		t.Fatal("expected error after removal")
	}
}
