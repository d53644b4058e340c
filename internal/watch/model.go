package watch

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"

	"github.com/pairbot/backend/internal/session"
	"github.com/pairbot/backend/internal/ws"
)

// Model is the root Bubble Tea model.
type Model struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc

	keys    KeyMap
	spinner spinner.Model
	width   int
	height  int

	connected  bool
	reconnects int
	lastErr    error

	status  string
	message string
	qr      string
	qrArt   string
}

func New(c *Client) Model {
	ctx, cancel := context.WithCancel(context.Background())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorBrand)
	return Model{
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		keys:    DefaultKeyMap(),
		spinner: sp,
		status:  ws.StatusWaiting,
		message: "Connecting to bot...",
	}
}

// Init starts the connection and the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.client.Listen(m.ctx), m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			m.client.Close()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			m.lastErr = m.client.RequestQR()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ConnectedMsg:
		m.connected = true
		m.lastErr = nil
		return m, m.client.ReadLoop(m.ctx)

	case DisconnectedMsg:
		m.connected = false
		m.reconnects++
		m.lastErr = msg.Err
		return m, m.client.Listen(m.ctx)

	case QRCodeMsg:
		m.status = ws.StatusWaiting
		m.message = session.MessageScan
		if msg.Payload.QR != m.qr {
			m.qr = msg.Payload.QR
			m.qrArt = renderQR(m.qr)
		}
		return m, m.client.ReadLoop(m.ctx)

	case StatusMsg:
		m.status = msg.Payload.Status
		m.message = msg.Payload.Message
		m.qr = ""
		m.qrArt = ""
		return m, m.client.ReadLoop(m.ctx)
	}

	return m, nil
}

func renderQR(code string) string {
	var b strings.Builder
	qrterminal.GenerateHalfBlock(code, qrterminal.L, &b)
	return b.String()
}

// View renders the screen.
func (m Model) View() string {
	sections := []string{
		styleTitle.Render("pairbot watch"),
		m.connectionLine(),
		"",
	}

	switch {
	case !m.connected:
		sections = append(sections, styleBox.Render(
			styleDanger.Render("DISCONNECTED")+"\n"+styleDimmed.Render("Reconnecting..."),
		))
	case m.qrArt != "":
		sections = append(sections, m.spinner.View()+" "+m.message, m.qrArt)
	case m.status == ws.StatusWaiting:
		sections = append(sections, m.spinner.View()+" "+statusStyle(m.status).Render(m.message))
	default:
		sections = append(sections, statusStyle(m.status).Render(strings.ToUpper(m.status))+"  "+m.message)
	}

	sections = append(sections, "", styleDimmed.Render("r:refresh  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) connectionLine() string {
	if m.connected {
		return lipgloss.NewStyle().Foreground(colorBrand).Render("● Connected")
	}
	line := lipgloss.NewStyle().Foreground(colorDanger).Render("○ Connecting...")
	if m.lastErr != nil {
		line += " " + styleDimmed.Render(m.lastErr.Error())
	}
	return line
}
