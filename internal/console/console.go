// Package console renders pairing codes and session status on the
// operator's terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/pairbot/backend/internal/session"
)

const (
	QRAuto   = "auto"
	QRAlways = "always"
	QRNever  = "never"
)

type Renderer struct {
	mu     sync.Mutex
	out    io.Writer
	showQR bool

	banner lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	info   lipgloss.Style
}

// New returns a Renderer writing to out. mode is QRAuto, QRAlways or
// QRNever; with QRAuto the QR art is drawn only when out is a terminal.
func New(out io.Writer, mode string) *Renderer {
	r := lipgloss.NewRenderer(out)
	return &Renderer{
		out:    out,
		showQR: wantQR(out, mode),
		banner: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#25D366")),
		ok:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("#25D366")),
		warn:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F56")),
		info:   r.NewStyle().Foreground(lipgloss.Color("#8B949E")),
	}
}

func wantQR(out io.Writer, mode string) bool {
	switch mode {
	case QRAlways:
		return true
	case QRNever:
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// RenderCredential prints a banner followed by code, as a QR code when
// enabled and as raw text otherwise.
func (r *Renderer) RenderCredential(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.out, r.banner.Render("QR RECEIVED: scan this code with the messaging app"))
	if !r.showQR {
		fmt.Fprintln(r.out, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, r.out)
}

// RenderStatus prints a one-line banner for st.
func (r *Renderer) RenderStatus(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var line string
	switch st.Phase {
	case session.Ready:
		line = r.ok.Render(st.LastMessage)
	case session.AuthFailed, session.Disconnected:
		line = r.warn.Render(st.LastMessage)
		if st.LastReason != "" {
			line += " " + r.info.Render("("+st.LastReason+")")
		}
	default:
		line = r.info.Render(st.LastMessage)
	}
	fmt.Fprintln(r.out, line)
}
