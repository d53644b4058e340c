package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/pairbot/backend/internal/watch"
)

func main() {
	wsURL := pflag.String("url", "ws://127.0.0.1:3000/ws", "WebSocket URL of the bot")
	token := pflag.String("token", os.Getenv("PAIRBOT_AUTH_TOKEN"), "Auth token (if the bot requires one)")
	pflag.Parse()

	c, err := watch.NewClient(*wsURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	p := tea.NewProgram(watch.New(c), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
