package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"whisperer/internal/analyzer"
	"whisperer/internal/usb"
)

const maxLines = 500

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	packetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("84"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("48"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

type eventMsg analyzer.TimestampedEvent

type pollTimeoutMsg struct{}

type captureEndedMsg struct{}

type sysTickMsg struct{}

type clearNoticeMsg struct{}

// Model is the live capture view.
type Model struct {
	device *analyzer.Analyzer
	stream *analyzer.CaptureStream

	spinner  spinner.Model
	viewport viewport.Model
	ready    bool

	lines      []string
	lastPacket []byte
	paused     bool
	ended      bool
	notice     string

	// Token filter: show token packets only, but accept every packet
	// until the first token has been observed. Link events are hidden
	// while the filter is on.
	tokensOnly bool
	tokenSeen  bool

	cpuPercent float64
	memPercent float64
	width      int
	height     int
}

// NewModel builds the capture view over a started stream.
func NewModel(a *analyzer.Analyzer, stream *analyzer.CaptureStream, tokensOnly bool) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		device:     a,
		stream:     stream,
		spinner:    sp,
		tokensOnly: tokensOnly,
	}
}

// Run starts the TUI and blocks until it exits.
func Run(a *analyzer.Analyzer, stream *analyzer.CaptureStream, tokensOnly bool) error {
	program := tea.NewProgram(NewModel(a, stream, tokensOnly), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.pollEvents(), sysTick())
}

// pollEvents waits briefly for the next decoded event. Exactly one
// poll is in flight at a time; each result schedules the next.
func (m Model) pollEvents() tea.Cmd {
	stream := m.stream
	return func() tea.Msg {
		event, result := stream.PollNext(100 * time.Millisecond)
		switch result {
		case analyzer.PollEvent:
			return eventMsg(event)
		case analyzer.PollTimeout:
			return pollTimeoutMsg{}
		default:
			return captureEndedMsg{}
		}
	}
}

func sysTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return sysTickMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.stream != nil {
				m.stream.Stop()
			}
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
			return m, nil
		case "t":
			m.tokensOnly = !m.tokensOnly
			return m, nil
		case "c":
			if len(m.lastPacket) > 0 {
				hexDump := fmt.Sprintf("% X", m.lastPacket)
				if err := clipboard.WriteAll(hexDump); err == nil {
					m.notice = "Copied to clipboard"
					return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
						return clearNoticeMsg{}
					})
				}
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 3
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.refreshViewport()
		return m, nil

	case eventMsg:
		m.appendEvent(analyzer.TimestampedEvent(msg))
		return m, m.pollEvents()

	case pollTimeoutMsg:
		return m, m.pollEvents()

	case captureEndedMsg:
		m.ended = true
		return m, nil

	case sysTickMsg:
		if percents, err := psutil.Percent(0, false); err == nil && len(percents) > 0 {
			m.cpuPercent = percents[0]
		}
		if vm, err := psmem.VirtualMemory(); err == nil {
			m.memPercent = vm.UsedPercent
		}
		return m, sysTick()

	case clearNoticeMsg:
		m.notice = ""
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) appendEvent(event analyzer.TimestampedEvent) {
	line, show := m.formatEvent(event)
	if !show || m.paused {
		return
	}
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refreshViewport()
}

func (m *Model) formatEvent(event analyzer.TimestampedEvent) (string, bool) {
	timestamp := fmt.Sprintf("%12.6f", float64(event.TimestampNs)/1e9)

	if !event.IsPacket() {
		return fmt.Sprintf("%s  %s", timestamp, eventStyle.Render(event.Event.String())), !m.tokensOnly
	}

	m.lastPacket = event.Packet
	pid, err := usb.ValidatePacket(event.Packet)

	isToken := pid == usb.PIDSof || pid == usb.PIDSetup || pid == usb.PIDIn ||
		pid == usb.PIDOut || pid == usb.PIDPing || pid == usb.PIDSplit
	if isToken && err == nil {
		m.tokenSeen = true
	}
	// Until a token is observed, let everything through.
	show := !m.tokensOnly || !m.tokenSeen || isToken

	style := packetStyle
	name := pid.String()
	if err != nil {
		style = badStyle
		name = name + "!"
	}
	hexDump := fmt.Sprintf("% X", event.Packet)
	return fmt.Sprintf("%s  %-7s %s", timestamp, style.Render(name), hexDump), show
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	content := strings.Join(m.lines, "\n")
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Starting capture..."
	}

	stats := m.stream.Stats()
	status := m.spinner.View() + " capturing"
	if m.paused {
		status = "paused"
	}
	if m.ended {
		status = badStyle.Render("capture ended")
	}

	header := titleStyle.Render("whisperer")
	if m.device != nil {
		header += " " + statStyle.Render(m.device.Metadata().IfaceHardware)
	}
	header += "  " + status
	if m.notice != "" {
		header += "  " + noticeStyle.Render("✓ "+m.notice)
	}
	statsLine := statStyle.Render(fmt.Sprintf(
		"packets %d  events %d  bytes %d  dropped %d",
		stats.Packets, stats.Events, stats.Bytes, stats.Dropped))

	footer := helpStyle.Render(fmt.Sprintf(
		"q quit · space pause · t tokens-only · c copy last packet · cpu %.0f%% mem %.0f%%",
		m.cpuPercent, m.memPercent))

	header = ansi.Truncate(header, m.width, "…")
	statsLine = ansi.Truncate(statsLine, m.width, "…")
	footer = ansi.Truncate(footer, m.width, "…")

	return fmt.Sprintf("%s\n%s\n\n%s\n%s", header, statsLine, m.viewport.View(), footer)
}
