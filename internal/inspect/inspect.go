// Package inspect implements the terminal viewer for SWI/SWIX signatures.
// It walks the verification steps for one image and renders each outcome,
// the parsed signature record and the certificate chain.
package inspect

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/swi-tools/swi-tools/internal/verify"
	"github.com/swi-tools/swi-tools/pkg/buildinfo"
)

// Model is the Bubbletea model for the signature inspector.
type Model struct {
	path     string
	rootCA   string
	viewport viewport.Model
	insp     *verify.Inspection
	lastRun  time.Time
	width    int
	height   int
	ready    bool
}

// NewModel creates an inspector for the image at path. An empty rootCA
// selects the built-in Arista root certificate.
func NewModel(path, rootCA string) Model {
	return Model{
		path:   path,
		rootCA: rootCA,
	}
}

// inspectMsg carries the result of one inspection run.
type inspectMsg struct {
	insp verify.Inspection
}

// runInspection verifies the image off the update loop.
func runInspection(path, rootCA string) tea.Cmd {
	return func() tea.Msg {
		return inspectMsg{insp: verify.Inspect(path, rootCA)}
	}
}

// Init starts the first inspection.
func (m Model) Init() tea.Cmd {
	return runInspection(m.path, m.rootCA)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		contentH := msg.Height - 6 // reserve for header/footer
		if contentH < 5 {
			contentH = 5
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, contentH)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = contentH
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case inspectMsg:
		m.lastRun = time.Now()
		insp := msg.insp
		m.insp = &insp
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			// Re-run the verification
			return m, runInspection(m.path, m.rootCA)
		}
	}

	// Delegate to viewport for scrolling
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the inspector.
func (m Model) View() string {
	var b strings.Builder

	header := headerStyle.Render(
		titleStyle.Render("swi-inspect") +
			dimStyle.Render(" "+buildinfo.Version) +
			dimStyle.Render(" | "+filepath.Base(m.path)) +
			m.renderLastRun())
	b.WriteString(header)
	b.WriteString("\n")

	if !m.ready {
		b.WriteString("\n  Initializing...\n")
		return b.String()
	}

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(footerStyle.Render(m.renderFooter()))

	return b.String()
}

func (m Model) renderLastRun() string {
	if m.lastRun.IsZero() {
		return dimStyle.Render(" | Inspecting...")
	}
	return dimStyle.Render(fmt.Sprintf(" | Checked %s", m.lastRun.Format("15:04:05")))
}

func (m Model) renderContent() string {
	var b strings.Builder

	if m.insp == nil {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("  Running verification..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString(renderVerdictBar(m.insp))
	b.WriteString("\n")
	b.WriteString(renderSteps(m.insp.Steps))
	b.WriteString(renderDetails(m.insp))

	return b.String()
}

func (m Model) renderFooter() string {
	verdict := dimStyle.Render("pending")
	if m.insp != nil {
		if m.insp.Final == verify.Success {
			verdict = passStyle.Render(m.insp.Final.String())
		} else {
			verdict = failStyle.Render(m.insp.Final.String())
		}
	}
	return fmt.Sprintf(" [q] Quit  [r] Re-run  | %s | %s", verdict, m.path)
}
