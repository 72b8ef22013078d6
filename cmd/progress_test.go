package cmd

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/airframesio/ziptable/cmd/extractor"
	"github.com/airframesio/ziptable/cmd/ziparchive"
	tea "github.com/charmbracelet/bubbletea"
)

func update(t *testing.T, m progressModel, msg tea.Msg) progressModel {
	t.Helper()
	next, _ := m.Update(msg)
	pm, ok := next.(progressModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return pm
}

func TestPhaseString(t *testing.T) {
	if PhaseDownloading.String() != "downloading" || PhaseComplete.String() != "complete" {
		t.Fatal("unexpected phase names")
	}
	if Phase(99).String() != "unknown" {
		t.Fatal("out of range phase should be unknown")
	}
}

func TestProgressModel(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("PhaseResetsByteCounters", func(t *testing.T) {
		m := newProgressModel(testArchiveURL, []string{"recipients"}, nil)
		m = update(t, m, bytesMsg{done: 10, total: 20, chunksDone: 1, chunksTotal: 2})
		m = update(t, m, phaseMsg{phase: PhaseDownloading, target: "recipients", message: "Downloading"})
		if m.bytesDone != 0 || m.chunksTotal != 0 {
			t.Fatal("a new download should reset byte counters")
		}
		if m.currentTarget != "recipients" || m.phase != PhaseDownloading {
			t.Fatalf("phase not applied: %+v", m.phase)
		}
	})

	t.Run("ViewShowsDownload", func(t *testing.T) {
		m := newProgressModel(testArchiveURL, []string{"recipients", "tags"}, nil)
		m = update(t, m, phaseMsg{phase: PhaseDownloading, target: "recipients", message: "Downloading 4821.dat.gz"})
		m = update(t, m, bytesMsg{done: 1 << 20, total: 4 << 20, chunksDone: 1, chunksTotal: 4})
		view := m.View()
		for _, want := range []string{"ziptable", testArchiveURL, "[recipients] Downloading 4821.dat.gz", "Chunks: 1/4", "Overall: 0/2 targets"} {
			if !strings.Contains(view, want) {
				t.Errorf("view missing %q", want)
			}
		}
	})

	t.Run("MessagesAreCapped", func(t *testing.T) {
		m := newProgressModel(testArchiveURL, nil, nil)
		for i := 0; i < maxMessages+5; i++ {
			m = update(t, m, messageMsg(fmt.Sprintf("message %d", i)))
		}
		if len(m.messages) != maxMessages {
			t.Fatalf("expected %d messages, got %d", maxMessages, len(m.messages))
		}
		if m.messages[0] != "message 5" {
			t.Fatalf("oldest messages should be dropped first, got %q", m.messages[0])
		}
	})

	t.Run("TargetDoneUpdatesTaskInfo", func(t *testing.T) {
		info := &TaskInfo{PID: 1}
		m := newProgressModel(testArchiveURL, []string{"recipients", "tags"}, info)
		m = update(t, m, targetDoneMsg{result: TargetResult{
			Target:  "recipients",
			Entry:   ziparchive.Entry{Name: "4821.dat.gz"},
			Extract: &extractor.Result{RowCount: 42, OutputPath: "recipients.parquet"},
		}})
		if m.doneTargets != 1 || info.DoneItems != 1 || info.TotalItems != 2 {
			t.Fatalf("task info not updated: %+v", info)
		}
		if info.Progress != 50 {
			t.Fatalf("expected 50%% progress, got %v", info.Progress)
		}
		if !strings.Contains(m.messages[len(m.messages)-1], "42 rows") {
			t.Fatalf("result line missing row count: %q", m.messages[len(m.messages)-1])
		}
	})

	t.Run("QuitCancels", func(t *testing.T) {
		m := newProgressModel(testArchiveURL, nil, nil)
		m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
		if !m.cancelled || !m.done {
			t.Fatal("q should cancel the run")
		}
		if m.View() != "" {
			t.Fatal("a finished model renders nothing")
		}
	})

	t.Run("AllComplete", func(t *testing.T) {
		m := newProgressModel(testArchiveURL, nil, nil)
		boom := errors.New("boom")
		m = update(t, m, allCompleteMsg{err: boom})
		if !m.done || m.cancelled || m.err != boom || m.phase != PhaseComplete {
			t.Fatalf("unexpected completion state: done=%v cancelled=%v err=%v", m.done, m.cancelled, m.err)
		}
	})
}

func TestTargetResultLine(t *testing.T) {
	e := ziparchive.Entry{Name: "dump/4821.dat.gz", UncompressedSize: 2048}
	tests := []struct {
		name string
		r    TargetResult
		want string
	}{
		{"Failed", TargetResult{Target: "t", Err: errors.New("nope")}, "❌ t: nope"},
		{"DryRun", TargetResult{Target: "t", Entry: e, DryRun: true, ResolvedBy: ResolvedBySampling}, "by sampling, dry run"},
		{"Written", TargetResult{Target: "t", Entry: e, Extract: &extractor.Result{RowCount: 1234, OutputPath: "out/t.parquet"}}, "1,234 rows in out/t.parquet"},
		{"Uploaded", TargetResult{Target: "t", Entry: e, Extract: &extractor.Result{RowCount: 1}, Upload: &UploadResult{Key: "k"}}, "uploaded k"},
		{"AlreadyUploaded", TargetResult{Target: "t", Entry: e, Extract: &extractor.Result{RowCount: 1}, Upload: &UploadResult{Key: "k", Skipped: true}}, "already in S3 at k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.line(); !strings.Contains(got, tt.want) {
				t.Fatalf("line() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
