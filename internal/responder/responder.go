// Package responder holds the bot's reply rule table: exact "!" commands
// first, then keyword rules matched by substring.
package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
)

// Responder picks a reply for an inbound message body.
type Responder interface {
	Respond(ctx context.Context, body string) (string, bool)
}

// TimeLayout is how !time renders the clock.
const TimeLayout = "1/2/2006, 3:04:05 PM"

const helpText = "🤖 *Available Commands:*\n\n" +
	"• !hello - Greet the bot\n" +
	"• !info - Bot information\n" +
	"• !time - Current time\n" +
	"• !help - Show this help menu\n" +
	"• !status - Check bot status"

type rule struct {
	keywords []string
	response string
}

var defaultKeywords = []rule{
	{[]string{"price", "cost", "how much"}, "Our prices start from $10. Would you like to know more about our services?"},
	{[]string{"thank", "thanks"}, "You're welcome! 😊 Is there anything else I can help with?"},
	{[]string{"hi", "hello", "hey"}, "Hello! 👋 How can I help you today?"},
	{[]string{"bye", "goodbye"}, "Goodbye! 👋 Have a great day!"},
	{[]string{"help", "support"}, "I can help you with basic queries. Type !help to see all commands."},
}

// Table is the default Responder. Configured commands replace built-ins
// with the same name; configured keyword rules are tried before the
// built-in ones.
type Table struct {
	clock    clock.Clock
	commands map[string]func() string
	keywords []rule
}

func New(cfg config.ResponderConfig, clk clock.Clock) *Table {
	t := &Table{clock: clk}

	t.commands = map[string]func() string{
		"!hello":  static("Hello! 👋 How can I assist you today?"),
		"!help":   static(helpText),
		"!info":   static(fmt.Sprintf("*Bot Information:*\n\n• Version: %s\n• Platform: %s\n• Status: Active", cfg.Version, cfg.Platform)),
		"!time":   func() string { return "🕒 Current time: " + t.clock.Now().Format(TimeLayout) },
		"!status": static("✅ Bot is online and running!"),
	}
	for name, text := range cfg.Commands {
		t.commands[normalize(name)] = static(text)
	}

	for _, kr := range cfg.Keywords {
		r := rule{response: kr.Response}
		for _, k := range kr.Keywords {
			if k = normalize(k); k != "" {
				r.keywords = append(r.keywords, k)
			}
		}
		if len(r.keywords) > 0 && r.response != "" {
			t.keywords = append(t.keywords, r)
		}
	}
	t.keywords = append(t.keywords, defaultKeywords...)
	return t
}

// Respond returns the reply for body and whether there is one.
func (t *Table) Respond(ctx context.Context, body string) (string, bool) {
	text := normalize(body)
	if text == "" {
		return "", false
	}
	if cmd, ok := t.commands[text]; ok {
		return cmd(), true
	}
	for _, r := range t.keywords {
		for _, k := range r.keywords {
			if strings.Contains(text, k) {
				return r.response, true
			}
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func static(s string) func() string {
	return func() string { return s }
}
