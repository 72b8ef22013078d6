package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned when another ziptable process holds the PID file
var ErrAlreadyRunning = errors.New("another ziptable process is running")

// TaskInfo is the status snapshot written while a pipeline runs
type TaskInfo struct {
	PID           int       `json:"pid"`
	RunID         string    `json:"run_id"`
	StartTime     time.Time `json:"start_time"`
	ArchiveURL    string    `json:"archive_url"`
	Targets       []string  `json:"targets"`
	CurrentTarget string    `json:"current_target,omitempty"`
	CurrentStep   string    `json:"current_step,omitempty"`
	Progress      float64   `json:"progress"`
	BytesDone     uint64    `json:"bytes_done"`
	BytesTotal    uint64    `json:"bytes_total"`
	TotalItems    int       `json:"total_items"`
	DoneItems     int       `json:"completed_items"`
	LastUpdate    time.Time `json:"last_update"`
}

// StateDir is ~/.ziptable, home of the PID file, task info and local caches.
func StateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ziptable")
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(StateDir(), "ziptable.pid")
}

// GetTaskFilePath returns the path to the task info file
func GetTaskFilePath() string {
	return filepath.Join(StateDir(), "current_task.json")
}

// WritePIDFile records the current process PID
func WritePIDFile() error {
	pidPath := GetPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 probes for existence without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// CheckNotRunning fails when the PID file names another live process. A stale
// file is removed.
func CheckNotRunning() error {
	pid, err := ReadPIDFile()
	if err != nil {
		return nil
	}
	if pid != os.Getpid() && IsProcessRunning(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	_ = RemovePIDFile()
	return nil
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	taskPath := GetTaskFilePath()
	if err := os.MkdirAll(filepath.Dir(taskPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()
	if info.TotalItems > 0 {
		info.Progress = float64(info.DoneItems) / float64(info.TotalItems) * 100
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}
	return os.WriteFile(taskPath, data, 0o600)
}

func ReadTaskInfo() (*TaskInfo, error) {
	data, err := os.ReadFile(GetTaskFilePath())
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}
	return &info, nil
}

func RemoveTaskFile() error {
	return os.Remove(GetTaskFilePath())
}
