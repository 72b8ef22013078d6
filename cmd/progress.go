package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

type Phase int

const (
	PhaseProbing Phase = iota
	PhaseIndexing
	PhaseLocating
	PhaseDownloading
	PhaseExtracting
	PhaseUploading
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseProbing:
		return "probing"
	case PhaseIndexing:
		return "indexing"
	case PhaseLocating:
		return "locating"
	case PhaseDownloading:
		return "downloading"
	case PhaseExtracting:
		return "extracting"
	case PhaseUploading:
		return "uploading"
	case PhaseComplete:
		return "complete"
	}
	return "unknown"
}

// Reporter receives pipeline progress. The TUI and the plain logger both
// implement it.
type Reporter interface {
	Phase(phase Phase, target, message string)
	Message(message string)
	Bytes(done, total uint64, chunksDone, chunksTotal int)
	TargetDone(result TargetResult)
}

type phaseMsg struct {
	phase   Phase
	target  string
	message string
}

type messageMsg string

type bytesMsg struct {
	done, total             uint64
	chunksDone, chunksTotal int
}

type targetDoneMsg struct {
	result TargetResult
}

type allCompleteMsg struct {
	err error
}

// teaReporter forwards pipeline events into a running program
type teaReporter struct {
	program *tea.Program
}

func (r teaReporter) Phase(phase Phase, target, message string) {
	r.program.Send(phaseMsg{phase: phase, target: target, message: message})
}

func (r teaReporter) Message(message string) { r.program.Send(messageMsg(message)) }

func (r teaReporter) Bytes(done, total uint64, chunksDone, chunksTotal int) {
	r.program.Send(bytesMsg{done: done, total: total, chunksDone: chunksDone, chunksTotal: chunksTotal})
}

func (r teaReporter) TargetDone(result TargetResult) {
	r.program.Send(targetDoneMsg{result: result})
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

const maxMessages = 10

type progressModel struct {
	phase         Phase
	archiveURL    string
	targets       []string
	currentTarget string
	currentStage  string
	doneTargets   int

	bytesDone   uint64
	bytesTotal  uint64
	chunksDone  int
	chunksTotal int

	chunkProgress   progress.Model
	overallProgress progress.Model
	spinner         spinner.Model

	messages  []string
	results   []TargetResult
	startTime time.Time
	phaseTime time.Time
	width     int
	done      bool
	cancelled bool
	err       error

	taskInfo *TaskInfo
}

func newProgressModel(archiveURL string, targets []string, taskInfo *TaskInfo) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return progressModel{
		phase:      PhaseProbing,
		archiveURL: archiveURL,
		targets:    targets,
		chunkProgress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(60),
		),
		overallProgress: progress.New(
			progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
			progress.WithWidth(60),
		),
		spinner:      s,
		currentStage: "Initializing...",
		startTime:    time.Now(),
		taskInfo:     taskInfo,
	}
}

// updateTaskInfo mirrors the model into the task info file
func (m *progressModel) updateTaskInfo() {
	if m.taskInfo == nil {
		return
	}
	m.taskInfo.CurrentTarget = m.currentTarget
	m.taskInfo.CurrentStep = m.phase.String()
	m.taskInfo.BytesDone = m.bytesDone
	m.taskInfo.BytesTotal = m.bytesTotal
	m.taskInfo.TotalItems = len(m.targets)
	m.taskInfo.DoneItems = m.doneTargets
	_ = WriteTaskInfo(m.taskInfo)
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tea.EnterAltScreen)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancelled = true
			m.done = true
			return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.chunkProgress.Width = max(msg.Width-10, 10)
		m.overallProgress.Width = max(msg.Width-10, 10)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case phaseMsg:
		m.phase = msg.phase
		m.currentTarget = msg.target
		m.currentStage = msg.message
		m.phaseTime = time.Now()
		if msg.phase == PhaseDownloading {
			m.bytesDone, m.bytesTotal, m.chunksDone, m.chunksTotal = 0, 0, 0, 0
		}
		m.updateTaskInfo()
	case messageMsg:
		m.appendMessage(string(msg))
	case bytesMsg:
		m.bytesDone, m.bytesTotal = msg.done, msg.total
		m.chunksDone, m.chunksTotal = msg.chunksDone, msg.chunksTotal
		m.updateTaskInfo()
		if msg.total > 0 {
			return m, m.chunkProgress.SetPercent(float64(msg.done) / float64(msg.total))
		}
	case targetDoneMsg:
		m.results = append(m.results, msg.result)
		m.doneTargets++
		m.appendMessage(msg.result.line())
		m.updateTaskInfo()
		if len(m.targets) > 0 {
			return m, m.overallProgress.SetPercent(float64(m.doneTargets) / float64(len(m.targets)))
		}
	case allCompleteMsg:
		m.phase = PhaseComplete
		m.err = msg.err
		m.done = true
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}
	return m, nil
}

func (m *progressModel) appendMessage(s string) {
	m.messages = append(m.messages, s)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	chunkModel, cmd := m.chunkProgress.Update(msg)
	if pm, ok := chunkModel.(progress.Model); ok {
		m.chunkProgress = pm
	}
	overallModel, cmd2 := m.overallProgress.Update(msg)
	if om, ok := overallModel.(progress.Model); ok {
		m.overallProgress = om
	}
	return m, tea.Batch(cmd, cmd2)
}

func (m progressModel) renderBanner() []string {
	titleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	urlStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	return []string{
		"",
		"   " + titleStyle.Render("ziptable "+Version),
		"   " + urlStyle.Render(fmt.Sprintf("%s  (%s)", m.archiveURL, time.Since(m.startTime).Round(time.Second))),
		"",
	}
}

func (m progressModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m progressModel) renderSeparator() []string {
	width := 80
	if m.width > 0 && m.width < 200 {
		width = m.width - 6
	}
	separator := "   " + strings.Repeat("─", max(width, 1))
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m progressModel) renderStage() []string {
	var sections []string
	if len(m.targets) > 0 {
		sections = append(sections, tableHeaderStyle.Render("   Targets"))
		sections = append(sections, "")
		overall := fmt.Sprintf("   Overall: %d/%d targets", m.doneTargets, len(m.targets))
		sections = append(sections, progressInfoStyle.Render(overall))
		sections = append(sections, "   "+m.overallProgress.ViewAs(float64(m.doneTargets)/float64(len(m.targets))))
		sections = append(sections, "")
	}

	stage := m.currentStage
	if m.currentTarget != "" {
		stage = fmt.Sprintf("[%s] %s", m.currentTarget, stage)
	}
	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), stage)))

	if m.phase == PhaseDownloading && m.bytesTotal > 0 {
		elapsed := time.Since(m.phaseTime).Seconds()
		rate := ""
		if elapsed > 0 {
			rate = fmt.Sprintf(", %s/s", humanize.IBytes(uint64(float64(m.bytesDone)/elapsed)))
		}
		info := fmt.Sprintf("   Chunks: %d/%d  %s / %s%s",
			m.chunksDone, m.chunksTotal,
			humanize.IBytes(m.bytesDone), humanize.IBytes(m.bytesTotal), rate)
		sections = append(sections, progressInfoStyle.Render(info))
		sections = append(sections, "   "+m.chunkProgress.ViewAs(float64(m.bytesDone)/float64(m.bytesTotal)))
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderStage()...)
	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
