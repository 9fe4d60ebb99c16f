// Package app renders live run progress in the terminal: a spinner, an
// overall progress bar and per-file status lines fed by pipeline events.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"denueflow/internal/pipeline"
	"denueflow/internal/report"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	fileStatusStyle = map[string]lipgloss.Style{
		"Queued":      lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		"Downloading": lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"Ingesting":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Complete":    lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"Error":       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type fileLine struct {
	name    string
	region  string
	status  string
	rows    int
	elapsed time.Duration
	errMsg  string
}

// RunModel is the bubbletea model for one pipeline run.
type RunModel struct {
	events <-chan any

	spinner  spinner.Model
	progress progress.Model

	files     map[string]*fileLine
	fileOrder []string
	total     int
	finished  int

	rep      *report.Report
	quitting bool

	termWidth int
}

func NewRunModel(events <-chan any) *RunModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &RunModel{
		events:   events,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		files:    make(map[string]*fileLine),
	}
}

func (m *RunModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// waitForEvent relays one pipeline event into the bubbletea loop. A closed
// channel ends the relay.
func (m *RunModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.events
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *RunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.progress.Width = max(0, msg.Width-4)
	case pipeline.FileStartedMsg:
		m.total = msg.Total
		if _, exists := m.files[msg.SourceFile]; !exists {
			m.files[msg.SourceFile] = &fileLine{name: msg.SourceFile, region: msg.Region, status: "Queued"}
			m.fileOrder = append(m.fileOrder, msg.SourceFile)
		}
		cmds = append(cmds, m.waitForEvent())
	case pipeline.FileStatusMsg:
		if line, ok := m.files[msg.SourceFile]; ok {
			line.status = msg.Status
			if msg.Rows > 0 {
				line.rows = msg.Rows
			}
		}
		cmds = append(cmds, m.waitForEvent())
	case pipeline.FileFinishedMsg:
		if line, ok := m.files[msg.Stats.SourceFile]; ok {
			line.elapsed = msg.Elapsed
			line.rows = msg.Stats.RowsWritten
			if msg.Stats.Failed() {
				line.status = "Error"
				line.errMsg = msg.Stats.Errors[len(msg.Stats.Errors)-1]
			} else {
				line.status = "Complete"
			}
		}
		m.finished++
		if m.total > 0 {
			cmds = append(cmds, m.progress.SetPercent(float64(m.finished)/float64(m.total)))
		}
		cmds = append(cmds, m.waitForEvent())
	case pipeline.RunFinishedMsg:
		m.rep = msg.Report
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case progress.FrameMsg:
		progModel, cmd := m.progress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.progress = newModel
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *RunModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- DENUE Snapshot Ingestion ---"))
	b.WriteString("\n\n")

	if m.quitting {
		b.WriteString("Stopping...\n")
		return b.String()
	}

	if m.rep != nil {
		b.WriteString(fmt.Sprintf("Run finished: %d/%d files processed, %d rows written, completeness %.4f\n",
			m.rep.ProcessedFiles, m.rep.ExpectedFiles, m.rep.WrittenRows, m.rep.CompletenessRatio))
		for _, errMsg := range m.rep.Errors {
			b.WriteString(errorStyle.Render("  ! "+errMsg) + "\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%s Ingesting snapshots (%d/%d)\n\n", m.spinner.View(), m.finished, m.total))
	b.WriteString(m.progress.View())
	b.WriteString("\n\n")

	for _, name := range m.fileOrder {
		line := m.files[name]
		style, ok := fileStatusStyle[line.status]
		if !ok {
			style = summaryStyle
		}
		status := style.Render(fmt.Sprintf("%-12s", line.status))
		detail := ""
		if line.rows > 0 {
			detail = fmt.Sprintf(" %d rows", line.rows)
		}
		if line.elapsed > 0 {
			detail += fmt.Sprintf(" (%s)", line.elapsed.Round(time.Millisecond))
		}
		if line.errMsg != "" {
			detail += " " + errorStyle.Render(line.errMsg)
		}
		b.WriteString(fmt.Sprintf("  %s %s [%s]%s\n", status, line.name, line.region, detail))
	}

	b.WriteString("\n" + summaryStyle.Render("press q to quit") + "\n")
	return b.String()
}
