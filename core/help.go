package core

import (
	"fmt"
	"strings"
)

// FormatHelp renders help entries one per line, each token shown with
// prefix, aliases joined by commas.
func FormatHelp(msgs []HelpMessage, prefix string) string {
	if len(msgs) == 0 {
		return "No commands available."
	}

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, msg := range msgs {
		names := make([]string, 0, len(msg.Tokens))
		for _, tok := range msg.Tokens {
			switch t := tok.(type) {
			case string:
				names = append(names, prefix+t)
			default:
				names = append(names, fmt.Sprint(t))
			}
		}
		line := strings.Join(names, ", ")
		if msg.Description != "" {
			line += " — " + msg.Description
		}
		fmt.Fprintf(&b, "  %s\n", line)
	}
	return strings.TrimRight(b.String(), "\n")
}
